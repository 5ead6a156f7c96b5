// Package mongodb adapts the official MongoDB driver to the cursor and
// namespace primitives replication runs on.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/changestream"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrMissingCursor is returned when a command response has no cursor document.
var ErrMissingCursor = errors.New("response has no cursor")

// Commander runs cursor commands through a *mongo.Client.
type Commander struct {
	client *mongo.Client
}

// NewCommander creates a Commander.
func NewCommander(client *mongo.Client) *Commander {
	return &Commander{client: client}
}

// OpenCursor implements changestream.Commander.
func (c *Commander) OpenCursor(ctx context.Context, ns resume.Namespace, cmd bson.D) (changestream.Response, error) {
	return c.run(ctx, ns, cmd)
}

// GetMore implements changestream.Commander.
func (c *Commander) GetMore(ctx context.Context, ns resume.Namespace, cursorID int64, batchSize int32, maxAwait time.Duration) (changestream.Response, error) {
	return c.run(ctx, ns, GetMoreCommand(ns, cursorID, batchSize, maxAwait))
}

// KillCursor implements changestream.Commander.
func (c *Commander) KillCursor(ctx context.Context, ns resume.Namespace, cursorID int64) error {
	cmd := bson.D{
		{Key: "killCursors", Value: ns.Collection},
		{Key: "cursors", Value: bson.A{cursorID}},
	}
	return c.client.Database(ns.Database).RunCommand(ctx, cmd).Err()
}

func (c *Commander) run(ctx context.Context, ns resume.Namespace, cmd bson.D) (changestream.Response, error) {
	raw, err := c.client.Database(ns.Database).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return changestream.Response{}, err
	}
	return ParseResponse(raw)
}

// GetMoreCommand builds a getMore command document.
func GetMoreCommand(ns resume.Namespace, cursorID int64, batchSize int32, maxAwait time.Duration) bson.D {
	cmd := bson.D{
		{Key: "getMore", Value: cursorID},
		{Key: "collection", Value: ns.Collection},
	}
	if batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: batchSize})
	}
	if maxAwait > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: maxAwait.Milliseconds()})
	}
	return cmd
}

type cursorResponse struct {
	Cursor *struct {
		ID                   int64      `bson:"id"`
		FirstBatch           []bson.Raw `bson:"firstBatch"`
		NextBatch            []bson.Raw `bson:"nextBatch"`
		PostBatchResumeToken bson.Raw   `bson:"postBatchResumeToken"`
	} `bson:"cursor"`
	OperationTime primitive.Timestamp `bson:"operationTime"`
}

// ParseResponse decodes an aggregate or getMore reply. Malformed replies are
// reported as *searchsync.DecodeError.
func ParseResponse(raw bson.Raw) (changestream.Response, error) {
	var resp cursorResponse
	if err := bson.Unmarshal(raw, &resp); err != nil {
		return changestream.Response{}, &searchsync.DecodeError{Err: fmt.Errorf("failed to decode cursor response: %w", err)}
	}
	if resp.Cursor == nil {
		return changestream.Response{}, &searchsync.DecodeError{Err: ErrMissingCursor}
	}

	batch := resp.Cursor.FirstBatch
	if batch == nil {
		batch = resp.Cursor.NextBatch
	}
	return changestream.Response{
		CursorID:             resp.Cursor.ID,
		Batch:                batch,
		PostBatchResumeToken: resp.Cursor.PostBatchResumeToken,
		OperationTime:        resp.OperationTime,
	}, nil
}

// ServerVersion returns the version of the server behind client.
func ServerVersion(ctx context.Context, client *mongo.Client) (changestream.Version, error) {
	var info struct {
		Version string `bson:"version"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return changestream.Version{}, fmt.Errorf("failed to run buildInfo: %w", err)
	}
	return changestream.ParseVersion(info.Version)
}
