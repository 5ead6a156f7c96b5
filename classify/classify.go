package classify

import (
	"context"
	"errors"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/mongo"
)

// Server error codes the classification depends on.
const (
	codeBSONObjectTooLarge      = 10334
	codeNoQueryExecutionPlans   = 291
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
	codeIDLUnknownField         = 40415
)

// retryableCodes are server errors that go away once the replica set settles.
var retryableCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	43,    // CursorNotFound
	63,    // StaleShardVersion
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	133,   // FailedToSatisfyReadPreference
	150,   // StaleEpoch
	189,   // PrimarySteppedDown
	234,   // RetryChangeStream
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13388, // StaleConfig
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

var retryableLabels = []string{
	"ResumableChangeStreamError",
	"RetryableWriteError",
	"TransientTransactionError",
}

// nonInvalidatingCodes require a steady state resync, but the documents
// already indexed stay valid.
var nonInvalidatingCodes = []int{
	codeChangeStreamFatalError,
	codeChangeStreamHistoryLost,
}

const (
	collectionScanTooLargeMsg = "collection scan returned a document larger than the maximum BSON size"
	changeStreamTooLargeMsg   = "change stream returned an event larger than the maximum BSON size"
	steadyStateTooLargeMsg    = "change stream event exceeds the maximum BSON size even after splitting"
	noTableScanMsg            = "collection scans are disabled on the source cluster (notablescan)"
)

// InitialSync classifies err as a failure in the given initial sync phase.
// It returns nil for nil, err itself if it is already classified, and err
// unchanged when it is not a replication condition at all.
func InitialSync(err error, phase InitialSyncPhase) error {
	if err == nil {
		return nil
	}

	var classified *InitialSyncError
	if errors.As(err, &classified) {
		return err
	}

	kind, msg, info, ok := initialSyncKind(err, phase)
	if !ok {
		return err
	}
	return &InitialSyncError{Kind: kind, Msg: msg, ResumeInfo: info, Err: err}
}

func initialSyncKind(err error, phase InitialSyncPhase) (InitialSyncKind, string, resume.Info, bool) {
	var (
		embedding    *searchsync.EmbeddingError
		fragment     *searchsync.FragmentError
		resumability *searchsync.ResumabilityError
		limit        *searchsync.LimitError
		namespace    *searchsync.NamespaceError
		invalidated  *searchsync.InvalidatedError
		decode       *searchsync.DecodeError
	)

	switch {
	case isShutdown(err):
		return InitialSyncShutDown, "", nil, true
	case errors.As(err, &embedding):
		if embedding.Transient {
			return InitialSyncResumableTransient, "", nil, true
		}
		return InitialSyncFailed, "", nil, true
	case errors.As(err, &fragment):
		return InitialSyncFailed, "", nil, true
	case errors.As(err, &resumability):
		return InitialSyncRequiresResync, "", nil, true
	case errors.As(err, &limit):
		if limit.Kind == searchsync.LimitDocuments {
			return InitialSyncDocsExceeded, "", nil, true
		}
		return InitialSyncFieldExceeded, "", nil, true
	case errors.As(err, &namespace):
		if namespace.Change == searchsync.NamespaceDoesNotExist {
			return InitialSyncDoesNotExist, "", nil, true
		}
		return InitialSyncDropped, "", nil, true
	case errors.As(err, &invalidated):
		return InitialSyncInvalidated, "", invalidated.ResumeInfo, true
	case errors.As(err, &decode):
		return InitialSyncRequiresResync, "presumed transient issue decoding server response", nil, true
	case isTransient(err):
		return InitialSyncResumableTransient, "", nil, true
	}

	se, ok := serverError(err)
	if !ok {
		return 0, "", nil, false
	}
	switch {
	case se.HasErrorCode(codeBSONObjectTooLarge):
		switch phase {
		case PhaseCollectionScan:
			return InitialSyncRequiresResync, collectionScanTooLargeMsg, nil, true
		case PhaseChangeStream:
			return InitialSyncRequiresResync, changeStreamTooLargeMsg, nil, true
		default:
			return InitialSyncRequiresResync, "", nil, true
		}
	case se.HasErrorCodeWithMessage(codeNoQueryExecutionPlans, "notablescan"):
		return InitialSyncFailed, noTableScanMsg, nil, true
	default:
		return InitialSyncRequiresResync, "", nil, true
	}
}

// SteadyState classifies err as a steady state replication failure. It
// returns nil for nil, err itself if it is already classified, and err
// unchanged when it is not a replication condition at all.
func SteadyState(err error) error {
	if err == nil {
		return nil
	}

	var classified *SteadyStateError
	if errors.As(err, &classified) {
		return err
	}

	kind, msg, info, ok := steadyStateKind(err)
	if !ok {
		return err
	}
	return &SteadyStateError{Kind: kind, Msg: msg, ResumeInfo: info, Err: err}
}

func steadyStateKind(err error) (SteadyStateKind, string, resume.Info, bool) {
	var (
		embedding   *searchsync.EmbeddingError
		fragment    *searchsync.FragmentError
		limit       *searchsync.LimitError
		namespace   *searchsync.NamespaceError
		invalidated *searchsync.InvalidatedError
		decode      *searchsync.DecodeError
	)

	switch {
	case isShutdown(err):
		return SteadyStateShutDown, "", nil, true
	case errors.As(err, &embedding):
		if embedding.Transient {
			return SteadyStateTransient, "", nil, true
		}
		return SteadyStateNonInvalidatingResync, "", nil, true
	case errors.As(err, &fragment):
		return SteadyStateNonInvalidatingResync, "", nil, true
	case errors.As(err, &limit):
		if limit.Kind == searchsync.LimitDocuments {
			return SteadyStateDocsExceeded, "", nil, true
		}
		return SteadyStateFieldExceeded, "", nil, true
	case errors.As(err, &namespace):
		if namespace.Change == searchsync.NamespaceRenamed && namespace.ResumeInfo != nil {
			return SteadyStateRenamed, "", namespace.ResumeInfo, true
		}
		return SteadyStateDropped, "", nil, true
	case errors.As(err, &invalidated):
		return SteadyStateInvalidated, "", invalidated.ResumeInfo, true
	case errors.As(err, &decode):
		return SteadyStateTransient, "", nil, true
	case isTransient(err):
		return SteadyStateTransient, "", nil, true
	}

	se, ok := serverError(err)
	if !ok {
		return 0, "", nil, false
	}
	switch {
	case se.HasErrorCode(codeBSONObjectTooLarge):
		return SteadyStateNonInvalidatingResync, steadyStateTooLargeMsg, nil, true
	case hasAnyCode(se, nonInvalidatingCodes):
		return SteadyStateNonInvalidatingResync, "", nil, true
	default:
		return SteadyStateTransient, "", nil, true
	}
}

// unknownNaturalOrderFields are reported by servers that cannot resume a
// natural order scan at all.
var unknownNaturalOrderFields = []string{
	"BSON field 'aggregate.$_startAt' is an unknown field",
	"BSON field 'aggregate.$_requestResumeToken' is an unknown field",
}

// NaturalOrderUnsupported reports whether err shows that the source cannot
// run resumable natural order scans, so initial sync must scan in _id order.
// A mismatched initial sync id does not count: the scan restarts in natural
// order.
func NaturalOrderUnsupported(err error) bool {
	var resumability *searchsync.ResumabilityError
	if errors.As(err, &resumability) {
		return resumability.Fault == searchsync.MissingResumeField
	}
	se, ok := serverError(err)
	if !ok {
		return false
	}
	for _, msg := range unknownNaturalOrderFields {
		if se.HasErrorCodeWithMessage(codeIDLUnknownField, msg) {
			return true
		}
	}
	return false
}

// ForPriority classifies err in the phase that work at priority p belongs to.
func ForPriority(err error, p searchsync.Priority) error {
	switch p {
	case searchsync.PriorityInitialSyncCollectionScan:
		return InitialSync(err, PhaseCollectionScan)
	case searchsync.PriorityInitialSyncChangeStream:
		return InitialSync(err, PhaseChangeStream)
	default:
		return SteadyState(err)
	}
}

// ActionOf returns the action for a classified error. Errors that were not
// classified fail the generation.
func ActionOf(err error) Action {
	var initial *InitialSyncError
	if errors.As(err, &initial) {
		return initial.Action()
	}
	var steady *SteadyStateError
	if errors.As(err, &steady) {
		return steady.Action()
	}
	if isShutdown(err) {
		return ActionStop
	}
	return ActionFail
}

func isShutdown(err error) bool {
	return errors.Is(err, searchsync.ErrShutDown) || errors.Is(err, context.Canceled)
}

func isTransient(err error) bool {
	var transient *searchsync.TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	se, ok := serverError(err)
	if !ok {
		return false
	}
	if hasAnyCode(se, retryableCodes) {
		return true
	}
	for _, label := range retryableLabels {
		if se.HasErrorLabel(label) {
			return true
		}
	}
	return false
}

func serverError(err error) (mongo.ServerError, bool) {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func hasAnyCode(se mongo.ServerError, codes []int) bool {
	for _, code := range codes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}
