package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a 32-character opaque hex identifier with 128 bits of
// entropy. Used for trace ids, execution ids, and group ids.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
