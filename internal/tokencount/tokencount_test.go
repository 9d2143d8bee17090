package tokencount

import "testing"

func TestCountIsDeterministic(t *testing.T) {
	counter := New()

	first, errFirst := counter.Count("gpt-3.5-turbo", "Hello, world")
	if errFirst != nil {
		t.Fatalf("count: %v", errFirst)
	}
	if first <= 0 {
		t.Fatalf("expected a positive count, got %d", first)
	}
	second, _ := counter.Count("gpt-3.5-turbo", "Hello, world")
	if second != first {
		t.Fatalf("count changed between calls: %d then %d", first, second)
	}
}

func TestCountEmptyTextIsZero(t *testing.T) {
	counter := New()
	n, err := counter.Count("gpt-4", "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("empty text must count zero, got %d", n)
	}
}

func TestCountUnknownModelFallsBack(t *testing.T) {
	counter := New()
	n, err := counter.Count("some-future-model", "Hello, world")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n <= 0 {
		t.Fatalf("fallback encoding must still count, got %d", n)
	}
}
