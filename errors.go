package searchsync

import (
	"errors"
	"fmt"

	"github.com/getpup/searchsync/resume"
)

var (
	// ErrShutDown indicates work was abandoned because the process is shutting down.
	ErrShutDown = errors.New("shut down")

	// ErrGenerationCancelled is the default reason given to work dropped by a
	// generation cancel.
	ErrGenerationCancelled = errors.New("generation cancelled")
)

// The error types below are the conditions replication can run into. They
// carry no decision about what to do next; package classify maps them onto
// the initial sync and steady state taxonomies.

// TransientError wraps a failure that is expected to go away on retry, such
// as a network error talking to the source or the index.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// DecodeError indicates a server response or event could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// LimitKind names the index limit that was exceeded.
type LimitKind int

const (
	LimitFields LimitKind = iota
	LimitDocuments
)

// LimitError indicates the index exceeded a configured size limit.
type LimitError struct {
	Kind LimitKind
	Msg  string
}

func (e *LimitError) Error() string {
	if e.Kind == LimitDocuments {
		return "document limit exceeded: " + e.Msg
	}
	return "field limit exceeded: " + e.Msg
}

// NamespaceChange describes what happened to the replicated collection.
type NamespaceChange int

const (
	NamespaceDropped NamespaceChange = iota
	NamespaceRenamed
	NamespaceDoesNotExist
)

func (c NamespaceChange) String() string {
	switch c {
	case NamespaceDropped:
		return "dropped"
	case NamespaceRenamed:
		return "renamed"
	default:
		return "does not exist"
	}
}

// NamespaceError indicates the replicated collection went away or moved.
// For renames, ResumeInfo positions replication on the new namespace.
type NamespaceError struct {
	Change     NamespaceChange
	Namespace  resume.Namespace
	ResumeInfo *resume.ChangeStream
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("namespace %s %s", e.Namespace, e.Change)
}

// InvalidatedError indicates the change stream was invalidated. ResumeInfo
// is where replication may restart from.
type InvalidatedError struct {
	ResumeInfo resume.Info
}

func (e *InvalidatedError) Error() string { return "change stream invalidated" }

// EmbeddingError is returned by embedding providers.
type EmbeddingError struct {
	Transient bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	if e.Transient {
		return "transient embedding failure: " + e.Err.Error()
	}
	return "embedding failure: " + e.Err.Error()
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// FragmentError indicates a change event split into fragments could not be
// reassembled.
type FragmentError struct {
	Msg string
	Err error
}

func (e *FragmentError) Error() string {
	if e.Err != nil {
		return "invalid change event fragment: " + e.Msg + ": " + e.Err.Error()
	}
	return "invalid change event fragment: " + e.Msg
}

func (e *FragmentError) Unwrap() error { return e.Err }

// ResumabilityFault names why a natural order scan can no longer be resumed.
type ResumabilityFault int

const (
	// MissingResumeField means the server stopped returning a field a
	// resumable scan depends on. The scan should fall back to _id order.
	MissingResumeField ResumabilityFault = iota

	// InitialSyncIDMismatch means the server's scan identity changed, so
	// positions issued earlier are meaningless.
	InitialSyncIDMismatch
)

// ResumabilityError indicates a natural order collection scan cannot be resumed.
type ResumabilityError struct {
	Fault ResumabilityFault
	Field string
}

func (e *ResumabilityError) Error() string {
	if e.Fault == InitialSyncIDMismatch {
		return "initial sync id changed during the collection scan"
	}
	return fmt.Sprintf("collection scan response is missing %s", e.Field)
}
