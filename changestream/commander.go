// Package changestream drives MongoDB change stream and collection scan
// cursors.
//
// A Client walks a cursor through three states: it opens the cursor with an
// aggregate command, issues getMore until the server reports a zero cursor
// id, and is then closed. CollectionScanClient adds resumability checks for
// natural order scans. FragmentBuffer and SplitEventClient put change events
// that the server split into fragments back together.
package changestream

import (
	"context"
	"time"

	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Response is a single cursor batch as returned by aggregate or getMore.
type Response struct {
	CursorID             int64
	Batch                []bson.Raw
	PostBatchResumeToken bson.Raw
	OperationTime        primitive.Timestamp
}

// Commander issues raw cursor commands against the source database.
// Implementations must be safe for use by one cursor at a time.
type Commander interface {
	// OpenCursor runs an aggregate command in the namespace's database.
	OpenCursor(ctx context.Context, ns resume.Namespace, cmd bson.D) (Response, error)

	// GetMore fetches the next batch of an open cursor. A batchSize of zero
	// leaves the batch size to the server; maxAwait only applies to
	// tailable cursors such as change streams.
	GetMore(ctx context.Context, ns resume.Namespace, cursorID int64, batchSize int32, maxAwait time.Duration) (Response, error)

	// KillCursor releases a cursor on the server.
	KillCursor(ctx context.Context, ns resume.Namespace, cursorID int64) error
}

// NamespaceCheck verifies that the replicated collection still exists under
// the expected name. It returns a *searchsync.NamespaceError otherwise.
type NamespaceCheck func(ctx context.Context, ns resume.Namespace) error

// Batch is what a change stream client hands to its consumer.
type Batch struct {
	Events               []bson.Raw
	PostBatchResumeToken bson.Raw
	OperationTime        primitive.Timestamp
}

// Source produces change stream batches.
type Source interface {
	GetNext(ctx context.Context) (Batch, error)
	Close(ctx context.Context) error
}
