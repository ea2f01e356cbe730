package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as prefix_<hex>.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewIdempotencyKey returns a token the server uses to recognise a repeated write.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
