package index

import (
	"errors"
	"fmt"

	"github.com/hyperjump/kenkyu/internal/storage"
)

var (
	// ErrInputMismatch is returned when docs and vectors differ in count or rows differ in length.
	ErrInputMismatch = storage.ErrInputMismatch
	// ErrIndexPersist wraps failures to write the index file after a successful add.
	ErrIndexPersist = errors.New("failed to persist index")
)

// MetadataWriteError reports a failed metadata batch. The vectors of the
// batch have been removed from the index again, so no slot is left without a record.
type MetadataWriteError struct {
	FirstSlotID int64
	Count       int
	Err         error
}

func (e *MetadataWriteError) Error() string {
	return fmt.Sprintf("metadata write failed for slots [%d, %d): %v", e.FirstSlotID, e.FirstSlotID+int64(e.Count), e.Err)
}

func (e *MetadataWriteError) Unwrap() error { return e.Err }
