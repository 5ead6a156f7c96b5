// Package indexer defines the search index sink that replication writes to.
package indexer

import (
	"context"

	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
)

// EmbedField is a document field whose text is replaced by a vector
// embedding before indexing.
type EmbedField struct {
	Path  string
	Model string
}

// Definition describes the index being replicated into.
type Definition struct {
	IndexID     string
	EmbedFields []EmbedField
	// MaterializedView keeps the source text and records vectors next to it.
	MaterializedView bool
}

// Indexer writes document events to a search index.
type Indexer interface {
	// Definition returns the definition of the index.
	Definition() Definition

	// IndexEvent applies one document event. A *searchsync.LimitError means
	// the index is full.
	IndexEvent(ctx context.Context, event DocumentEvent) error

	// Commit makes indexed events durable. info is stored in the commit
	// metadata and may be nil.
	Commit(ctx context.Context, info resume.Info) error

	// ClearIndex removes every document from the index.
	ClearIndex(ctx context.Context) error

	// ExceededLimits returns a *searchsync.LimitError when the index is over
	// one of its limits, nil otherwise.
	ExceededLimits() error
}

// Decoder turns raw documents or change events into index work. The decoder
// owns where its output goes.
type Decoder interface {
	Decode(ctx context.Context, docs []bson.Raw) error
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, docs []bson.Raw) error

// Decode calls f(ctx, docs).
func (f DecoderFunc) Decode(ctx context.Context, docs []bson.Raw) error {
	return f(ctx, docs)
}
