package indexer

import (
	"context"
	"sync"

	"github.com/getpup/searchsync/resume"
)

// MockIndexer is a mock implementation of Indexer for testing.
type MockIndexer struct {
	mu sync.Mutex

	Def                Definition
	IndexEventFunc     func(ctx context.Context, event DocumentEvent) error
	CommitFunc         func(ctx context.Context, info resume.Info) error
	ClearIndexFunc     func(ctx context.Context) error
	ExceededLimitsFunc func() error

	IndexEventCalls []DocumentEvent
	CommitCalls     []resume.Info
	ClearIndexCalls int
}

// NewMockIndexer creates a new MockIndexer for the given definition.
func NewMockIndexer(def Definition) *MockIndexer {
	return &MockIndexer{
		Def:             def,
		IndexEventCalls: make([]DocumentEvent, 0),
		CommitCalls:     make([]resume.Info, 0),
	}
}

// Definition implements the Indexer interface.
func (m *MockIndexer) Definition() Definition {
	return m.Def
}

// IndexEvent implements the Indexer interface.
// It records the event, then calls IndexEventFunc if set.
func (m *MockIndexer) IndexEvent(ctx context.Context, event DocumentEvent) error {
	m.mu.Lock()
	m.IndexEventCalls = append(m.IndexEventCalls, event)
	m.mu.Unlock()

	if m.IndexEventFunc != nil {
		return m.IndexEventFunc(ctx, event)
	}
	return nil
}

// Commit implements the Indexer interface.
func (m *MockIndexer) Commit(ctx context.Context, info resume.Info) error {
	m.mu.Lock()
	m.CommitCalls = append(m.CommitCalls, info)
	m.mu.Unlock()

	if m.CommitFunc != nil {
		return m.CommitFunc(ctx, info)
	}
	return nil
}

// ClearIndex implements the Indexer interface.
func (m *MockIndexer) ClearIndex(ctx context.Context) error {
	m.mu.Lock()
	m.ClearIndexCalls++
	m.mu.Unlock()

	if m.ClearIndexFunc != nil {
		return m.ClearIndexFunc(ctx)
	}
	return nil
}

// ExceededLimits implements the Indexer interface.
func (m *MockIndexer) ExceededLimits() error {
	if m.ExceededLimitsFunc != nil {
		return m.ExceededLimitsFunc()
	}
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockIndexer) Events() []DocumentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DocumentEvent(nil), m.IndexEventCalls...)
}

// Commits returns a copy of the recorded commits.
func (m *MockIndexer) Commits() []resume.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]resume.Info(nil), m.CommitCalls...)
}

// Reset clears the call history.
func (m *MockIndexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IndexEventCalls = make([]DocumentEvent, 0)
	m.CommitCalls = make([]resume.Info, 0)
	m.ClearIndexCalls = 0
}
