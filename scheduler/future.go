package scheduler

import (
	"context"
	"sync"
)

// Future is the eventual outcome of a batch or a cancel. It completes at
// most once.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	err       error
	callbacks []func(error)
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a Future that has already completed with err.
func Completed(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Complete completes the future. Only the first call has an effect; it
// reports whether this call completed the future. Callbacks registered with
// OnComplete run on the calling goroutine.
func (f *Future) Complete(err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
	return true
}

// OnComplete registers cb to run once the future completes. If it already
// has, cb runs immediately.
func (f *Future) OnComplete(cb func(error)) {
	f.mu.Lock()
	if f.completed {
		err := f.err
		f.mu.Unlock()
		cb(err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the error the future completed with. It returns nil while the
// future is incomplete.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
