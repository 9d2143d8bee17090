package kv

import (
	"strings"
)

// Open selects a backend from the DSN scheme: mem:// for the in-process
// store, redis:// or rediss:// for Redis, anything else is handed to the SQL
// layer which detects postgres versus sqlite itself.
func Open(dsn string) (Store, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case lower == "" || lower == "mem://" || lower == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(lower, "redis://") || strings.HasPrefix(lower, "rediss://"):
		return OpenRedis(dsn)
	default:
		return OpenGorm(dsn)
	}
}
