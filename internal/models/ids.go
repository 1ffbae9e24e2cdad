package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newPrefixedID builds "<prefix>_<unix-nanos>_<4 random bytes hex>". The
// timestamp makes IDs roughly sortable by creation; the suffix breaks
// same-nanosecond collisions.
func newPrefixedID(prefix string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// NewTaskID mints a task ID.
func NewTaskID() string { return newPrefixedID("task") }

// NewProjectID mints a project ID.
func NewProjectID() string { return newPrefixedID("proj") }
