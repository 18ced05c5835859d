package cas

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no object with the given hash is stored.
	ErrNotFound = errors.New("object not found")

	// ErrOutOfSpace means the depot is full and nothing more could be
	// evicted to make room.
	ErrOutOfSpace = errors.New("depot out of space")

	// ErrBadHash means a hash string is not 64 lowercase hex characters.
	ErrBadHash = errors.New("malformed object hash")

	// ErrStopped means the engine was shut down while the operation was
	// waiting to run.
	ErrStopped = errors.New("engine stopped")

	// ErrObjectInUse means an object cannot be removed because manifests
	// still reference it.
	ErrObjectInUse = errors.New("object still referenced")
)

// A HashMismatchError means file content did not hash to the expected
// value, either on ingest or on retrieval.
type HashMismatchError struct {
	Want string
	Got  string
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: want %s, got %s", e.Want, e.Got)
}

// IsValidHash reports whether s has the form of an object hash: exactly
// 64 lowercase hex characters.
func IsValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
