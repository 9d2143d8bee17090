package security

import (
	"strings"

	"github.com/google/uuid"
)

// NewToken creates a new random bearer credential. Tokens are version-4
// UUIDs: globally unique, opaque, and compared verbatim.
func NewToken() string {
	return uuid.NewString()
}

// MaskKey obscures an upstream API key for list responses, keeping a short
// head and tail and zeroing the middle. Short keys are returned unchanged.
func MaskKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:7] + strings.Repeat("0", len(key)-11) + key[len(key)-4:]
}
