// Package embedding turns text into vectors for auto-embedded index fields.
package embedding

import (
	"context"
	"errors"
)

// ErrEmptyInput is reported per text when the provider refuses an empty string.
var ErrEmptyInput = errors.New("empty input text")

// Tier is the service tier a request is billed and throttled under.
type Tier string

const (
	TierCollectionScan Tier = "COLLECTION_SCAN"
	TierChangeStream   Tier = "CHANGE_STREAM"
)

// VectorOrError is the provider's answer for a single input text.
type VectorOrError struct {
	Vector []float32
	Err    error
}

// Provider computes embeddings.
type Provider interface {
	// Embed returns exactly one result per text, in input order. Failures
	// of the whole request are returned as *searchsync.EmbeddingError.
	Embed(ctx context.Context, texts []string, model Model, tier Tier) ([]VectorOrError, error)
}
