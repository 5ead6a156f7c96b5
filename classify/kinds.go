// Package classify maps replication failures onto the two error taxonomies
// that drive a generation's lifecycle: one for initial sync and one for
// steady state replication.
//
// Failures are reported as the condition types of package searchsync,
// driver errors, or context errors. InitialSync and SteadyState turn them into
// *InitialSyncError and *SteadyStateError. Each classified error names the
// Action its caller should take.
package classify

import (
	"fmt"

	"github.com/getpup/searchsync/resume"
)

// Action is what the owner of a generation does after a classified failure.
type Action int

const (
	// ActionRetry resumes from the last persisted position.
	ActionRetry Action = iota
	// ActionRestart resumes from the position carried by the error.
	ActionRestart
	// ActionResync clears the index and starts a new initial sync.
	ActionResync
	// ActionResyncKeepIndex starts a new initial sync without clearing the index first.
	ActionResyncKeepIndex
	// ActionWait parks the generation until the source collection exists again.
	ActionWait
	// ActionFail marks the generation failed. Only a user action recovers it.
	ActionFail
	// ActionStop ends replication without changing the generation's state.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRestart:
		return "restart"
	case ActionResync:
		return "resync"
	case ActionResyncKeepIndex:
		return "resync_keep_index"
	case ActionWait:
		return "wait"
	case ActionFail:
		return "fail"
	case ActionStop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// InitialSyncPhase is the step of an initial sync a failure occurred in.
type InitialSyncPhase int

const (
	PhaseMain InitialSyncPhase = iota
	PhaseCollectionScan
	PhaseChangeStream
)

func (p InitialSyncPhase) String() string {
	switch p {
	case PhaseCollectionScan:
		return "collection_scan"
	case PhaseChangeStream:
		return "change_stream"
	default:
		return "main"
	}
}

// InitialSyncKind categorizes an initial sync failure.
type InitialSyncKind int

const (
	InitialSyncRequiresResync InitialSyncKind = iota
	InitialSyncResumableTransient
	InitialSyncDoesNotExist
	InitialSyncFailed
	InitialSyncInvalidated
	InitialSyncFieldExceeded
	InitialSyncDocsExceeded
	InitialSyncDropped
	InitialSyncShutDown
)

var initialSyncKindNames = map[InitialSyncKind]string{
	InitialSyncRequiresResync:     "requires_resync",
	InitialSyncResumableTransient: "resumable_transient",
	InitialSyncDoesNotExist:       "does_not_exist",
	InitialSyncFailed:             "failed",
	InitialSyncInvalidated:        "invalidated",
	InitialSyncFieldExceeded:      "field_exceeded",
	InitialSyncDocsExceeded:       "docs_exceeded",
	InitialSyncDropped:            "dropped",
	InitialSyncShutDown:           "shut_down",
}

func (k InitialSyncKind) String() string {
	if name, ok := initialSyncKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("initial_sync_kind(%d)", int(k))
}

// Action returns what the generation owner does for this kind.
func (k InitialSyncKind) Action() Action {
	switch k {
	case InitialSyncRequiresResync:
		return ActionResync
	case InitialSyncResumableTransient:
		return ActionRetry
	case InitialSyncInvalidated:
		return ActionRestart
	case InitialSyncDoesNotExist, InitialSyncDropped:
		return ActionWait
	case InitialSyncShutDown:
		return ActionStop
	default:
		return ActionFail
	}
}

// SteadyStateKind categorizes a steady state failure.
type SteadyStateKind int

const (
	SteadyStateTransient SteadyStateKind = iota
	SteadyStateRequiresResync
	SteadyStateNonInvalidatingResync
	SteadyStateFieldExceeded
	SteadyStateDocsExceeded
	SteadyStateRenamed
	SteadyStateInvalidated
	SteadyStateDropped
	SteadyStateShutDown
)

var steadyStateKindNames = map[SteadyStateKind]string{
	SteadyStateTransient:             "transient",
	SteadyStateRequiresResync:        "requires_resync",
	SteadyStateNonInvalidatingResync: "non_invalidating_resync",
	SteadyStateFieldExceeded:         "field_exceeded",
	SteadyStateDocsExceeded:          "docs_exceeded",
	SteadyStateRenamed:               "renamed",
	SteadyStateInvalidated:           "invalidated",
	SteadyStateDropped:               "dropped",
	SteadyStateShutDown:              "shut_down",
}

func (k SteadyStateKind) String() string {
	if name, ok := steadyStateKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("steady_state_kind(%d)", int(k))
}

// Action returns what the generation owner does for this kind.
func (k SteadyStateKind) Action() Action {
	switch k {
	case SteadyStateTransient:
		return ActionRetry
	case SteadyStateRequiresResync:
		return ActionResync
	case SteadyStateNonInvalidatingResync:
		return ActionResyncKeepIndex
	case SteadyStateRenamed, SteadyStateInvalidated:
		return ActionRestart
	case SteadyStateDropped:
		return ActionWait
	case SteadyStateShutDown:
		return ActionStop
	default:
		return ActionFail
	}
}

// InitialSyncError is a classified initial sync failure.
type InitialSyncError struct {
	Kind InitialSyncKind
	// Msg replaces the cause's message when set.
	Msg string
	// ResumeInfo is set for InitialSyncInvalidated.
	ResumeInfo resume.Info
	Err        error
}

func (e *InitialSyncError) Error() string {
	return formatError("initial sync", e.Kind.String(), e.Msg, e.Err)
}

func (e *InitialSyncError) Unwrap() error { return e.Err }

// Action returns what the generation owner does next.
func (e *InitialSyncError) Action() Action { return e.Kind.Action() }

// SteadyStateError is a classified steady state failure.
type SteadyStateError struct {
	Kind SteadyStateKind
	// Msg replaces the cause's message when set.
	Msg string
	// ResumeInfo is set for SteadyStateInvalidated and SteadyStateRenamed.
	ResumeInfo resume.Info
	Err        error
}

func (e *SteadyStateError) Error() string {
	return formatError("steady state", e.Kind.String(), e.Msg, e.Err)
}

func (e *SteadyStateError) Unwrap() error { return e.Err }

// Action returns what the generation owner does next.
func (e *SteadyStateError) Action() Action { return e.Kind.Action() }

func formatError(phase, kind, msg string, err error) string {
	switch {
	case msg != "":
		return fmt.Sprintf("%s %s: %s", phase, kind, msg)
	case err != nil:
		return fmt.Sprintf("%s %s: %v", phase, kind, err)
	default:
		return fmt.Sprintf("%s %s", phase, kind)
	}
}
