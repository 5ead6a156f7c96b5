package changestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// initialSyncIDField identifies the server side scan a natural order
// postBatchResumeToken belongs to.
const initialSyncIDField = "$initialSyncId"

// ErrMissingOperationTime is returned when the server did not report the
// operation time of the scan's aggregate command.
var ErrMissingOperationTime = errors.New("operation time missing")

// ScanConfig configures a CollectionScanClient.
type ScanConfig struct {
	Namespace resume.Namespace
	Command   ScanCommand

	// BatchSize bounds getMore batches. Zero leaves it to the server.
	BatchSize int32

	// NamespaceCheck runs before the cursor is opened and after a failed
	// getMore (optional).
	NamespaceCheck NamespaceCheck

	// Logger is for observability (optional).
	Logger es.Logger
}

// CollectionScanClient reads a collection through an aggregate cursor.
//
// Natural order scans are checked for resumability: every
// postBatchResumeToken must carry the same $initialSyncId, otherwise the
// positions handed out earlier cannot be resumed from.
type CollectionScanClient struct {
	commander Commander
	config    ScanConfig
	command   bson.D

	state                State
	cursorID             int64
	operationTime        primitive.Timestamp
	postBatchResumeToken bson.Raw
}

// NewCollectionScanClient creates a client in the OPEN_CURSOR state.
func NewCollectionScanClient(commander Commander, cfg ScanConfig) *CollectionScanClient {
	if cfg.Namespace.Collection != "" && cfg.Command.Collection == "" {
		cfg.Command.Collection = cfg.Namespace.Collection
	}
	return &CollectionScanClient{
		commander: commander,
		config:    cfg,
		command:   cfg.Command.Build(),
		state:     StateOpenCursor,
	}
}

// State returns the cursor state.
func (c *CollectionScanClient) State() State {
	return c.state
}

// HasNext reports whether GetNext may return more documents. Before the
// cursor is opened it verifies that the collection still exists.
func (c *CollectionScanClient) HasNext(ctx context.Context) (bool, error) {
	if c.state == StateOpenCursor && c.config.NamespaceCheck != nil {
		if err := c.config.NamespaceCheck(ctx, c.config.Namespace); err != nil {
			return false, err
		}
	}
	return c.state != StateClosed, nil
}

// GetNext returns the next batch of documents. Calling GetNext on a closed
// client panics.
func (c *CollectionScanClient) GetNext(ctx context.Context) ([]bson.Raw, error) {
	switch c.state {
	case StateOpenCursor:
		return c.openScan(ctx)
	case StateGetMore:
		return c.getMore(ctx)
	default:
		panic("changestream: GetNext on " + c.state.String())
	}
}

func (c *CollectionScanClient) openScan(ctx context.Context) ([]bson.Raw, error) {
	c.state.ensure(StateOpenCursor)

	resp, err := c.commander.OpenCursor(ctx, c.config.Namespace, c.command)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection scan on %s: %w", c.config.Namespace, err)
	}
	if c.config.Command.NaturalOrder {
		if err := c.checkResponse(resp.PostBatchResumeToken); err != nil {
			c.cursorID = resp.CursorID
			return nil, err
		}
	}

	c.cursorID = resp.CursorID
	c.operationTime = resp.OperationTime
	c.postBatchResumeToken = resp.PostBatchResumeToken
	c.state = StateGetMore
	if resp.CursorID == 0 {
		c.state = StateClosed
	}
	return resp.Batch, nil
}

func (c *CollectionScanClient) getMore(ctx context.Context) ([]bson.Raw, error) {
	c.state.ensure(StateGetMore)

	resp, err := c.commander.GetMore(ctx, c.config.Namespace, c.cursorID, c.config.BatchSize, 0)
	if err != nil {
		// A drop or rename fails the getMore; report that instead.
		if c.config.NamespaceCheck != nil {
			if nsErr := c.config.NamespaceCheck(ctx, c.config.Namespace); nsErr != nil {
				return nil, nsErr
			}
		}
		return nil, fmt.Errorf("failed to get more documents on %s: %w", c.config.Namespace, err)
	}
	if c.config.Command.NaturalOrder {
		if err := c.checkResponse(resp.PostBatchResumeToken); err != nil {
			return nil, err
		}
	}

	c.postBatchResumeToken = resp.PostBatchResumeToken
	if resp.CursorID == 0 {
		// Had the collection been dropped or renamed the getMore would have failed.
		c.cursorID = 0
		c.state = StateClosed
	}
	return resp.Batch, nil
}

// checkResponse validates a natural order postBatchResumeToken against the
// one from the previous batch.
func (c *CollectionScanClient) checkResponse(token bson.Raw) error {
	if len(token) == 0 {
		return &searchsync.ResumabilityError{Fault: searchsync.MissingResumeField, Field: "postBatchResumeToken"}
	}
	id, err := token.LookupErr(initialSyncIDField)
	if err != nil {
		return &searchsync.ResumabilityError{Fault: searchsync.MissingResumeField, Field: "initialSyncId"}
	}
	if len(c.postBatchResumeToken) == 0 {
		return nil
	}
	previous, err := c.postBatchResumeToken.LookupErr(initialSyncIDField)
	if err != nil || previous.Type != id.Type || !bytes.Equal(previous.Value, id.Value) {
		return &searchsync.ResumabilityError{Fault: searchsync.InitialSyncIDMismatch, Field: "initialSyncId"}
	}
	return nil
}

// OperationTime is the cluster time the scan's aggregate command ran at.
func (c *CollectionScanClient) OperationTime() (primitive.Timestamp, error) {
	if !c.operationTime.IsZero() {
		return c.operationTime, nil
	}
	if c.state == StateGetMore {
		panic("changestream: operation time must be present in GET_MORE")
	}
	return primitive.Timestamp{}, &searchsync.TransientError{Err: ErrMissingOperationTime}
}

// PostBatchResumeToken returns the resume token of the latest batch, if the
// server reported one.
func (c *CollectionScanClient) PostBatchResumeToken() bson.Raw {
	return c.postBatchResumeToken
}

// Close kills the server cursor, if any, and moves the client to CLOSED.
func (c *CollectionScanClient) Close(ctx context.Context) error {
	if c.state != StateClosed {
		killCursor(ctx, c.commander, c.config.Namespace, c.cursorID, c.config.Logger)
	}
	c.cursorID = 0
	c.state = StateClosed
	return nil
}
