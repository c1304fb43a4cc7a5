package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when a search asks for k <= 0 results.
	ErrInvalidK = errors.New("k must be positive")
	// ErrEmptyVector is returned when adding a zero-length vector.
	ErrEmptyVector = errors.New("vector must not be empty")
	// ErrUnknownKind is returned for an unsupported index kind.
	ErrUnknownKind = errors.New("unknown index kind")
	// ErrIndexNotFound is returned by Load when the index file does not exist.
	ErrIndexNotFound = errors.New("index file not found")
	// ErrIndexCorrupt is returned by Load when the index file cannot be decoded.
	ErrIndexCorrupt = errors.New("index file corrupt")
	// ErrTooManyVectors is returned when an add would overflow the graph id space.
	ErrTooManyVectors = errors.New("too many vectors")
)

// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

// Error returns the error message for dimension mismatch
func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func corrupt(path string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrIndexCorrupt, path, cause)
}
