package kv

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used for tests and ephemeral
// deployments. Versions are taken from a single monotonic counter so no two
// writes ever share a version.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns the entry for key, or a zero-version entry when absent.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.entries[key]; ok {
		return entry, nil
	}
	return Entry{Key: key}, nil
}

// List returns every entry whose key starts with prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Put upserts key unconditionally.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(key, value)
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Atomic verifies every check against the current versions and applies all
// mutations under the same lock, so the batch is all-or-nothing.
func (s *MemoryStore) Atomic(_ context.Context, checks []Check, muts []Mutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, check := range checks {
		current := int64(0)
		if entry, ok := s.entries[check.Key]; ok {
			current = entry.Version
		}
		if current != check.Version {
			return false, nil
		}
	}
	for _, mut := range muts {
		if mut.Delete {
			delete(s.entries, mut.Key)
			continue
		}
		s.write(mut.Key, mut.Value)
	}
	return true, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) write(key string, value []byte) {
	s.version++
	copied := make([]byte, len(value))
	copy(copied, value)
	s.entries[key] = Entry{Key: key, Value: copied, Version: s.version}
}
