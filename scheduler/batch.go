package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/getpup/searchsync"
)

var sequence atomic.Uint64

// ResetSequence restarts batch sequence numbering. Only tests may call it,
// and never while batches are queued.
func ResetSequence() {
	sequence.Store(0)
}

// Batch is a unit of scheduled work for one generation.
type Batch[T any] struct {
	GenerationID searchsync.GenerationID
	AttemptID    searchsync.AttemptID
	Priority     searchsync.Priority

	// Sequence is unique and increases across all batches in the process.
	Sequence uint64

	Payload T
	// Size is the number of events or documents the payload carries.
	Size int

	Future     *Future
	EnqueuedAt time.Time
}

// NewBatch creates a batch with the next sequence number and a fresh future.
func NewBatch[T any](gen searchsync.GenerationID, attempt searchsync.AttemptID, priority searchsync.Priority, payload T, size int) *Batch[T] {
	return &Batch[T]{
		GenerationID: gen,
		AttemptID:    attempt,
		Priority:     priority,
		Sequence:     sequence.Add(1),
		Payload:      payload,
		Size:         size,
		Future:       NewFuture(),
		EnqueuedAt:   time.Now(),
	}
}
