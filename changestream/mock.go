package changestream

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
)

// MockCommander is a mock implementation of Commander for testing.
type MockCommander struct {
	mu sync.Mutex

	OpenCursorFunc func(ctx context.Context, ns resume.Namespace, cmd bson.D) (Response, error)
	GetMoreFunc    func(ctx context.Context, ns resume.Namespace, cursorID int64, batchSize int32, maxAwait time.Duration) (Response, error)
	KillCursorFunc func(ctx context.Context, ns resume.Namespace, cursorID int64) error

	OpenCursorCalls []bson.D
	GetMoreCalls    []int64
	KillCursorCalls []int64
}

// NewMockCommander creates a new MockCommander with an empty call history.
func NewMockCommander() *MockCommander {
	return &MockCommander{
		OpenCursorCalls: make([]bson.D, 0),
		GetMoreCalls:    make([]int64, 0),
		KillCursorCalls: make([]int64, 0),
	}
}

// OpenCursor implements the Commander interface.
// It records the command, then calls OpenCursorFunc if set. Without it the
// cursor is already exhausted.
func (m *MockCommander) OpenCursor(ctx context.Context, ns resume.Namespace, cmd bson.D) (Response, error) {
	m.mu.Lock()
	m.OpenCursorCalls = append(m.OpenCursorCalls, cmd)
	m.mu.Unlock()

	if m.OpenCursorFunc != nil {
		return m.OpenCursorFunc(ctx, ns, cmd)
	}
	return Response{}, nil
}

// GetMore implements the Commander interface.
func (m *MockCommander) GetMore(ctx context.Context, ns resume.Namespace, cursorID int64, batchSize int32, maxAwait time.Duration) (Response, error) {
	m.mu.Lock()
	m.GetMoreCalls = append(m.GetMoreCalls, cursorID)
	m.mu.Unlock()

	if m.GetMoreFunc != nil {
		return m.GetMoreFunc(ctx, ns, cursorID, batchSize, maxAwait)
	}
	return Response{}, nil
}

// KillCursor implements the Commander interface.
func (m *MockCommander) KillCursor(ctx context.Context, ns resume.Namespace, cursorID int64) error {
	m.mu.Lock()
	m.KillCursorCalls = append(m.KillCursorCalls, cursorID)
	m.mu.Unlock()

	if m.KillCursorFunc != nil {
		return m.KillCursorFunc(ctx, ns, cursorID)
	}
	return nil
}

// Script makes the mock answer OpenCursor with the first response and each
// GetMore with the next one. Once the script runs out, GetMore returns an
// empty batch on a closed cursor.
func (m *MockCommander) Script(responses ...Response) {
	var next int
	pop := func() Response {
		m.mu.Lock()
		defer m.mu.Unlock()
		if next >= len(responses) {
			return Response{}
		}
		resp := responses[next]
		next++
		return resp
	}
	m.OpenCursorFunc = func(context.Context, resume.Namespace, bson.D) (Response, error) {
		return pop(), nil
	}
	m.GetMoreFunc = func(context.Context, resume.Namespace, int64, int32, time.Duration) (Response, error) {
		return pop(), nil
	}
}

// Opened returns how many cursors were opened.
func (m *MockCommander) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCursorCalls)
}

// Killed returns the ids of killed cursors.
func (m *MockCommander) Killed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.KillCursorCalls...)
}
