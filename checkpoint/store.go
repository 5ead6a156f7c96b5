// Package checkpoint persists the resume position of each index generation
// so that replication can continue where it left off after a restart.
package checkpoint

import (
	"context"
	"errors"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
)

// ErrNotFound indicates no checkpoint has been saved for the generation.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists resume.Info per index generation.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the last checkpoint saved for gen.
	// Returns ErrNotFound if nothing has been saved yet.
	Load(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error)

	// Save replaces the checkpoint of gen with info.
	Save(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error

	// Delete removes the checkpoint of gen. Deleting a generation that has
	// no checkpoint is not an error.
	Delete(ctx context.Context, gen searchsync.GenerationID) error
}
