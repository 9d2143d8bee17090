package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrConflict is returned by callers of Atomic when the batch was rejected
// because a checked key changed since it was read.
var ErrConflict = errors.New("kv: commit conflict")

// Separator joins the segments of a hierarchical key.
const Separator = "::"

// Entry is a single key/value pair together with the version the backend
// assigned to it. Version 0 means the key is absent; any present key has a
// strictly positive version that changes on every write.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Exists reports whether the entry was present when it was read.
func (e Entry) Exists() bool { return e.Version > 0 }

// Check pins the expected version of a key at commit time. Version 0 asserts
// the key must still be absent.
type Check struct {
	Key     string
	Version int64
}

// Mutation is one write in an atomic batch. A nil Value with Delete set
// removes the key; otherwise the value is upserted.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put builds an upsert mutation.
func Put(key string, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

// Delete builds a delete mutation.
func Delete(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

// Store is the capability contract every backend satisfies. Get returns a
// zero-version Entry for absent keys rather than an error. List returns all
// entries whose key starts with prefix, in no particular order. Atomic
// commits the whole batch only if every check still matches; it reports
// rejection via the ok result, not an error, and never writes partially.
// There is no built-in retry: a rejected batch is the caller's problem.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Atomic(ctx context.Context, checks []Check, muts []Mutation) (bool, error)
	Close() error
}

// Key joins path segments into a hierarchical key, e.g. Key("member", "id",
// "3") -> "member::id::3".
func Key(parts ...string) string {
	return strings.Join(parts, Separator)
}

// Prefix builds a scan prefix covering every key nested under the given
// segments. Prefix("member", "id") matches member::id::1, member::id::2, ...
func Prefix(parts ...string) string {
	return strings.Join(parts, Separator) + Separator
}
