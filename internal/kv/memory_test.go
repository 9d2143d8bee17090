package kv

import (
	"context"
	"testing"
)

func TestMemoryStoreGetAbsent(t *testing.T) {
	store := NewMemoryStore()

	entry, err := store.Get(context.Background(), Key("member", "id", "0"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Exists() {
		t.Fatalf("expected absent entry, got version %d", entry.Version)
	}
}

func TestMemoryStorePutGetRoundtrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entry.Exists() {
		t.Fatal("expected entry to exist")
	}
	if string(entry.Value) != "one" {
		t.Fatalf("expected value %q, got %q", "one", entry.Value)
	}

	first := entry.Version
	if err := store.Put(ctx, "a", []byte("two")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, _ = store.Get(ctx, "a")
	if entry.Version == first {
		t.Fatal("expected version to change on overwrite")
	}
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, Key("member", "id", "1"), []byte("m1"))
	_ = store.Put(ctx, Key("member", "id", "2"), []byte("m2"))
	_ = store.Put(ctx, Key("key", "id", "1"), []byte("k1"))

	entries, err := store.List(ctx, Prefix("member", "id"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 members, got %d", len(entries))
	}
}

func TestMemoryStoreDeleteAbsentIsNoop(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestMemoryStoreAtomicRejectsStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, "counter", []byte("0"))
	stale, _ := store.Get(ctx, "counter")

	// A competing writer commits first.
	_ = store.Put(ctx, "counter", []byte("1"))

	ok, err := store.Atomic(ctx,
		[]Check{{Key: "counter", Version: stale.Version}},
		[]Mutation{Put("counter", []byte("2"))})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if ok {
		t.Fatal("expected stale batch to be rejected")
	}

	entry, _ := store.Get(ctx, "counter")
	if string(entry.Value) != "1" {
		t.Fatalf("expected competing write to survive, got %q", entry.Value)
	}
}

func TestMemoryStoreAtomicAbsenceCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.Atomic(ctx,
		[]Check{{Key: "owner", Version: 0}},
		[]Mutation{Put("owner", []byte("root"))})
	if err != nil || !ok {
		t.Fatalf("expected commit on absent key, ok=%v err=%v", ok, err)
	}

	ok, err = store.Atomic(ctx,
		[]Check{{Key: "owner", Version: 0}},
		[]Mutation{Put("owner", []byte("usurper"))})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if ok {
		t.Fatal("expected absence check to fail once key exists")
	}
	entry, _ := store.Get(ctx, "owner")
	if string(entry.Value) != "root" {
		t.Fatalf("expected original value to survive, got %q", entry.Value)
	}
}

func TestMemoryStoreAtomicAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, "a", []byte("1"))
	ok, err := store.Atomic(ctx,
		[]Check{{Key: "a", Version: 999}},
		[]Mutation{Put("a", []byte("2")), Put("b", []byte("new"))})
	if err != nil || ok {
		t.Fatalf("expected rejection, ok=%v err=%v", ok, err)
	}
	if entry, _ := store.Get(ctx, "b"); entry.Exists() {
		t.Fatal("rejected batch must write nothing")
	}
}

func TestMemoryStoreAtomicDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, "gone", []byte("x"))
	entry, _ := store.Get(ctx, "gone")

	ok, err := store.Atomic(ctx,
		[]Check{{Key: "gone", Version: entry.Version}},
		[]Mutation{Delete("gone")})
	if err != nil || !ok {
		t.Fatalf("atomic delete: ok=%v err=%v", ok, err)
	}
	if entry, _ := store.Get(ctx, "gone"); entry.Exists() {
		t.Fatal("expected key to be deleted")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := Key("member", "id", "3"); got != "member::id::3" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Prefix("member", "id"); got != "member::id::" {
		t.Fatalf("unexpected prefix %q", got)
	}
}
