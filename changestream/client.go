package changestream

import (
	"context"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
)

// Config configures a change stream Client.
type Config struct {
	Namespace resume.Namespace
	Command   ChangeStreamCommand

	// BatchSize bounds getMore batches. Zero leaves it to the server.
	BatchSize int32

	// MaxAwaitTime bounds how long the server waits for new events on a
	// getMore (default: 1s).
	MaxAwaitTime time.Duration

	// NamespaceCheck runs when the server closes the cursor on open (optional).
	NamespaceCheck NamespaceCheck

	// Logger is for observability (optional).
	Logger es.Logger
}

// Client tails a change stream.
//
// A Client is not safe for concurrent use; a single consumer drives it.
type Client struct {
	commander Commander
	config    Config
	command   bson.D

	state    State
	cursorID int64
}

// NewClient creates a Client in the OPEN_CURSOR state.
func NewClient(commander Commander, cfg Config) *Client {
	if cfg.MaxAwaitTime == 0 {
		cfg.MaxAwaitTime = time.Second
	}
	if cfg.Namespace.Collection != "" && cfg.Command.Collection == "" {
		cfg.Command.Collection = cfg.Namespace.Collection
	}
	return &Client{
		commander: commander,
		config:    cfg,
		command:   cfg.Command.Build(),
		state:     StateOpenCursor,
	}
}

// State returns the cursor state.
func (c *Client) State() State {
	return c.state
}

// GetNext returns the next batch of change events. Calling GetNext on a
// closed client panics.
func (c *Client) GetNext(ctx context.Context) (Batch, error) {
	switch c.state {
	case StateOpenCursor:
		return c.openCursor(ctx)
	case StateGetMore:
		return c.getMore(ctx)
	default:
		panic("changestream: GetNext on " + c.state.String())
	}
}

func (c *Client) openCursor(ctx context.Context) (Batch, error) {
	c.state.ensure(StateOpenCursor)

	resp, err := c.commander.OpenCursor(ctx, c.config.Namespace, c.command)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to open change stream on %s: %w", c.config.Namespace, err)
	}
	if c.config.Command.RequestsEmptyBatch() && len(resp.Batch) > 0 {
		return Batch{}, &searchsync.DecodeError{Err: fmt.Errorf(
			"change stream returned %d events although an empty first batch was requested", len(resp.Batch))}
	}

	c.cursorID = resp.CursorID
	c.state = StateGetMore
	if resp.CursorID == 0 {
		c.state = StateClosed
		if c.config.NamespaceCheck != nil {
			if err := c.config.NamespaceCheck(ctx, c.config.Namespace); err != nil {
				return Batch{}, err
			}
		}
	}

	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "opened change stream",
			"namespace", c.config.Namespace.String(), "cursorID", resp.CursorID, "events", len(resp.Batch))
	}
	return batchOf(resp), nil
}

func (c *Client) getMore(ctx context.Context) (Batch, error) {
	c.state.ensure(StateGetMore)

	resp, err := c.commander.GetMore(ctx, c.config.Namespace, c.cursorID, c.config.BatchSize, c.config.MaxAwaitTime)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to get more change events on %s: %w", c.config.Namespace, err)
	}
	if resp.CursorID == 0 {
		c.cursorID = 0
		c.state = StateClosed
	}
	return batchOf(resp), nil
}

// Close kills the server cursor, if any, and moves the client to CLOSED.
// Failing to kill the cursor is logged and otherwise ignored.
func (c *Client) Close(ctx context.Context) error {
	killCursor(ctx, c.commander, c.config.Namespace, c.cursorID, c.config.Logger)
	c.cursorID = 0
	c.state = StateClosed
	return nil
}

func killCursor(ctx context.Context, commander Commander, ns resume.Namespace, cursorID int64, logger es.Logger) {
	if cursorID == 0 {
		return
	}
	if err := commander.KillCursor(context.WithoutCancel(ctx), ns, cursorID); err != nil && logger != nil {
		logger.Debug(ctx, "failed to kill cursor", "namespace", ns.String(), "cursorID", cursorID, "error", err)
	}
}

func batchOf(resp Response) Batch {
	return Batch{
		Events:               resp.Batch,
		PostBatchResumeToken: resp.PostBatchResumeToken,
		OperationTime:        resp.OperationTime,
	}
}
