package searchsync

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerationID identifies one build of an index. A new generation is
// created every time an index is rebuilt from scratch.
type GenerationID struct {
	IndexID    string
	Generation int64
}

// String renders the generation as "<index>/<generation>".
func (g GenerationID) String() string {
	return fmt.Sprintf("%s/%d", g.IndexID, g.Generation)
}

// AttemptID identifies one replication attempt for a generation. The empty
// AttemptID means the work is not tied to a particular attempt.
type AttemptID string

// NoAttempt is used for work that is not tied to an attempt.
const NoAttempt AttemptID = ""

// NewAttemptID returns a fresh random attempt identifier.
func NewAttemptID() AttemptID {
	return AttemptID(uuid.NewString())
}

// Priority orders work between generations. Lower values are served first.
type Priority int

const (
	// PriorityInitialSyncChangeStream is used while an initial sync applies
	// the change stream that accumulated during its collection scan.
	PriorityInitialSyncChangeStream Priority = iota

	// PrioritySteadyStateChangeStream is used for regular replication.
	PrioritySteadyStateChangeStream

	// PriorityInitialSyncCollectionScan is used for documents read by an
	// initial sync collection scan.
	PriorityInitialSyncCollectionScan
)

// String returns the metrics label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityInitialSyncChangeStream:
		return "initial_sync_change_stream"
	case PrioritySteadyStateChangeStream:
		return "steady_state_change_stream"
	case PriorityInitialSyncCollectionScan:
		return "initial_sync_collection_scan"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsInitialSync reports whether work at this priority belongs to an initial sync.
func (p Priority) IsInitialSync() bool {
	return p == PriorityInitialSyncChangeStream || p == PriorityInitialSyncCollectionScan
}

// Phase is the replication phase a generation is in.
type Phase string

const (
	// PhaseInitialSync is a full copy of the collection followed by change stream catch-up.
	PhaseInitialSync Phase = "initial_sync"

	// PhaseSteadyState is continuous change stream replication.
	PhaseSteadyState Phase = "steady_state"
)

// Phase returns the replication phase work at this priority belongs to.
func (p Priority) Phase() Phase {
	if p.IsInitialSync() {
		return PhaseInitialSync
	}
	return PhaseSteadyState
}
