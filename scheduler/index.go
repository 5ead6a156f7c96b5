package scheduler

import (
	"context"
	"fmt"

	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/resume"
	"github.com/hashicorp/go-multierror"
)

// IndexPayload carries document events to an indexer.
type IndexPayload struct {
	Events  []indexer.DocumentEvent
	Indexer indexer.Indexer
	// Checkpoint, when set, is committed with the index once every event
	// has been applied.
	Checkpoint resume.Info
}

// IndexStrategy applies each batch's events to its indexer.
type IndexStrategy struct {
	// CommitOnFinalize commits after every batch, with or without a checkpoint.
	CommitOnFinalize bool
}

// Run implements the Strategy interface.
func (s IndexStrategy) Run(ctx context.Context, b *Batch[IndexPayload]) error {
	return indexAndCommit(ctx, b.Payload, b.Payload.Events, s.CommitOnFinalize)
}

// NewIndexing creates a scheduler that applies events without embedding.
func NewIndexing(cfg Config, commitOnFinalize bool) *WorkScheduler[IndexPayload] {
	if cfg.Name == "" {
		cfg.Name = "indexing"
	}
	return New[IndexPayload](cfg, IndexStrategy{CommitOnFinalize: commitOnFinalize})
}

func indexAndCommit(ctx context.Context, p IndexPayload, events []indexer.DocumentEvent, commitAlways bool) error {
	var result *multierror.Error
	for _, event := range events {
		if err := p.Indexer.IndexEvent(ctx, event); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to index %s of %s: %w", event.Type, event.Key(), err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	if err := p.Indexer.ExceededLimits(); err != nil {
		return err
	}

	if p.Checkpoint != nil || commitAlways {
		if err := p.Indexer.Commit(ctx, p.Checkpoint); err != nil {
			return fmt.Errorf("failed to commit index: %w", err)
		}
	}
	return nil
}
