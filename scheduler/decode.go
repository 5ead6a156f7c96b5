package scheduler

import (
	"context"

	"github.com/getpup/searchsync/indexer"
	"go.mongodb.org/mongo-driver/bson"
)

// DecodePayload carries raw documents or change events to a decoder.
type DecodePayload struct {
	Documents []bson.Raw
	Decoder   indexer.Decoder
}

// DecodeStrategy hands each batch to its decoder.
type DecodeStrategy struct{}

// Run implements the Strategy interface.
func (DecodeStrategy) Run(ctx context.Context, b *Batch[DecodePayload]) error {
	return b.Payload.Decoder.Decode(ctx, b.Payload.Documents)
}

// NewDecoding creates a scheduler that runs decoders.
func NewDecoding(cfg Config) *WorkScheduler[DecodePayload] {
	if cfg.Name == "" {
		cfg.Name = "decoding"
	}
	return New[DecodePayload](cfg, DecodeStrategy{})
}
