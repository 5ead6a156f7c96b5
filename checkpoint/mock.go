package checkpoint

import (
	"context"
	"sync"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
)

// MockStore is a configurable Store for tests. Without hooks it behaves like
// an empty store that accepts every save and remembers the last one.
type MockStore struct {
	mu sync.Mutex

	// LoadFunc is called by Load if set.
	LoadFunc func(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error)

	// SaveFunc is called by Save if set.
	SaveFunc func(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error

	// DeleteFunc is called by Delete if set.
	DeleteFunc func(ctx context.Context, gen searchsync.GenerationID) error

	LoadCalls   []searchsync.GenerationID
	SaveCalls   []SaveCall
	DeleteCalls []searchsync.GenerationID

	saved map[searchsync.GenerationID]resume.Info
}

// SaveCall records one call to Save.
type SaveCall struct {
	Generation searchsync.GenerationID
	Info       resume.Info
}

// NewMockStore creates a MockStore with no hooks.
func NewMockStore() *MockStore {
	return &MockStore{saved: make(map[searchsync.GenerationID]resume.Info)}
}

// Load implements Store.
func (m *MockStore) Load(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error) {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, gen)
	info, ok := m.saved[gen]
	m.mu.Unlock()

	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, gen)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// Save implements Store.
func (m *MockStore) Save(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error {
	m.mu.Lock()
	m.SaveCalls = append(m.SaveCalls, SaveCall{Generation: gen, Info: info})
	m.mu.Unlock()

	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, gen, info); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.saved[gen] = info
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MockStore) Delete(ctx context.Context, gen searchsync.GenerationID) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, gen)
	m.mu.Unlock()

	if m.DeleteFunc != nil {
		if err := m.DeleteFunc(ctx, gen); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.saved, gen)
	m.mu.Unlock()
	return nil
}

// Saved returns a copy of the recorded Save calls.
func (m *MockStore) Saved() []SaveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SaveCall(nil), m.SaveCalls...)
}

// Last returns the most recent info saved for gen, or nil.
func (m *MockStore) Last(gen searchsync.GenerationID) resume.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[gen]
}

// Reset clears all call tracking data and saved checkpoints.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoadCalls = nil
	m.SaveCalls = nil
	m.DeleteCalls = nil
	m.saved = make(map[searchsync.GenerationID]resume.Info)
}

var _ Store = (*MockStore)(nil)
