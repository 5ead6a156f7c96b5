package embedding

import (
	"context"
	"sync"
)

// MockProvider is a mock implementation of Provider for testing.
type MockProvider struct {
	mu         sync.Mutex
	EmbedFunc  func(ctx context.Context, texts []string, model Model, tier Tier) ([]VectorOrError, error)
	EmbedCalls []EmbedCall
}

// EmbedCall records the parameters of a single Embed call.
type EmbedCall struct {
	Texts []string
	Model Model
	Tier  Tier
}

// NewMockProvider creates a new MockProvider with an empty call history.
func NewMockProvider() *MockProvider {
	return &MockProvider{EmbedCalls: make([]EmbedCall, 0)}
}

// Embed implements the Provider interface.
// It records the call parameters, then:
// - If EmbedFunc is set, calls and returns it
// - Otherwise, returns a one-element vector holding the text length for each text
func (m *MockProvider) Embed(ctx context.Context, texts []string, model Model, tier Tier) ([]VectorOrError, error) {
	m.mu.Lock()
	m.EmbedCalls = append(m.EmbedCalls, EmbedCall{
		Texts: append([]string(nil), texts...),
		Model: model,
		Tier:  tier,
	})
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts, model, tier)
	}

	results := make([]VectorOrError, len(texts))
	for i, text := range texts {
		if text == "" {
			results[i] = VectorOrError{Err: ErrEmptyInput}
			continue
		}
		results[i] = VectorOrError{Vector: []float32{float32(len(text))}}
	}
	return results, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockProvider) Calls() []EmbedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmbedCall(nil), m.EmbedCalls...)
}
