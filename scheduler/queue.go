package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// FailedAttempts bounds how many cancelled attempts are remembered (default: 1024).
	FailedAttempts int

	// Collector records queue metrics (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// Queue orders batches across generations. Within a generation batches are
// served strictly in arrival order and at most one of them is in flight.
// Across generations, the generation with the lowest priority value and
// then the oldest head batch is served first.
type Queue[T any] struct {
	config QueueConfig

	mu          sync.Mutex
	pending     generationHeap[T]
	generations map[searchsync.GenerationID]*generationBatches[T]
	inFlight    map[searchsync.GenerationID]*Batch[T]
	// failedAttempts maps cancelled attempts to their cancel reason.
	failedAttempts *lru.Cache[searchsync.AttemptID, error]

	notify chan struct{}
}

// NewQueue creates an empty Queue.
func NewQueue[T any](cfg QueueConfig) *Queue[T] {
	if cfg.FailedAttempts <= 0 {
		cfg.FailedAttempts = 1024
	}
	failed, err := lru.New[searchsync.AttemptID, error](cfg.FailedAttempts)
	if err != nil {
		panic(fmt.Sprintf("failed to create failed attempt cache: %v", err))
	}

	return &Queue[T]{
		config:         cfg,
		generations:    make(map[searchsync.GenerationID]*generationBatches[T]),
		inFlight:       make(map[searchsync.GenerationID]*Batch[T]),
		failedAttempts: failed,
		notify:         make(chan struct{}, 1),
	}
}

// Add enqueues b. If b's attempt was cancelled, b's future fails with the
// cancel reason and nothing is enqueued. Add panics if b's priority differs
// from the batches already queued for its generation, or if b is older than
// them; the queue stays usable afterwards.
func (q *Queue[T]) Add(b *Batch[T]) {
	q.mu.Lock()
	if b.AttemptID != searchsync.NoAttempt {
		if reason, failed := q.failedAttempts.Get(b.AttemptID); failed {
			q.mu.Unlock()
			if q.config.Logger != nil {
				q.config.Logger.Info(context.Background(), "rejecting batch for cancelled attempt",
					"generation", b.GenerationID.String(), "attempt", string(b.AttemptID))
			}
			b.Future.Complete(reason)
			return
		}
	}

	if g, ok := q.generations[b.GenerationID]; ok {
		if err := g.add(b); err != nil {
			q.mu.Unlock()
			panic(err.Error())
		}
	} else {
		g = newGenerationBatches(b)
		q.generations[b.GenerationID] = g
		// A generation with a batch in flight rejoins the heap on finalize.
		if _, running := q.inFlight[b.GenerationID]; !running {
			heap.Push(&q.pending, g)
			q.signal()
		}
	}
	q.mu.Unlock()

	if q.config.Collector != nil {
		q.config.Collector.BatchEnqueued(b.Priority.String(), b.Size)
	}
}

// Remove takes the next batch to run, blocking until one is available or
// ctx is done. The batch stays in flight until FinalizeBatch is called or
// its future fails.
func (q *Queue[T]) Remove(ctx context.Context) (*Batch[T], error) {
	for {
		q.mu.Lock()
		if q.pending.Len() > 0 {
			g := heap.Pop(&q.pending).(*generationBatches[T])
			b := g.head()
			q.inFlight[g.generationID] = b
			more := q.pending.Len() > 0
			q.mu.Unlock()

			if more {
				q.signal()
			}
			b.Future.OnComplete(func(err error) {
				if err != nil {
					q.abandon(b)
				}
			})
			return b, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// FinalizeBatch marks b, the in-flight batch of its generation, as done and
// makes the generation's next batch available.
//
// It panics if b is not the generation's in-flight batch, unless b already
// failed and was released by its future.
func (q *Queue[T]) FinalizeBatch(b *Batch[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight[b.GenerationID] != b {
		if b.Future.IsDone() && b.Future.Err() != nil {
			return
		}
		panic(fmt.Sprintf("cannot finalize batch %d of generation %s: it is not running", b.Sequence, b.GenerationID))
	}
	q.release(b)
}

// abandon releases an in-flight batch whose future failed before it was finalized.
func (q *Queue[T]) abandon(b *Batch[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight[b.GenerationID] != b {
		return
	}
	q.release(b)
}

func (q *Queue[T]) release(b *Batch[T]) {
	delete(q.inFlight, b.GenerationID)
	if q.config.Collector != nil {
		q.config.Collector.BatchRemoved(b.Size)
	}

	g, ok := q.generations[b.GenerationID]
	if !ok {
		// Cancelled while running.
		return
	}
	if g.index >= 0 {
		panic(fmt.Sprintf("generation %s is queued while its batch %d is running", b.GenerationID, b.Sequence))
	}
	// After a cancel, g holds batches of a later attempt and b is not its head.
	if len(g.batches) > 0 && g.head() == b {
		g.removeHead()
	}
	if len(g.batches) == 0 {
		delete(q.generations, b.GenerationID)
		return
	}
	heap.Push(&q.pending, g)
	q.signal()
}

// Cancel drops every queued batch of gen, failing their futures with
// reason, and remembers attempt as failed so later batches for it are
// rejected. The returned future completes when the generation's in-flight
// batch, if any, completes.
func (q *Queue[T]) Cancel(gen searchsync.GenerationID, attempt searchsync.AttemptID, reason error) *Future {
	if reason == nil {
		reason = searchsync.ErrGenerationCancelled
	}

	q.mu.Lock()
	if attempt != searchsync.NoAttempt {
		q.failedAttempts.Add(attempt, reason)
	}

	running := q.inFlight[gen]
	var dropped []*Batch[T]
	if g, ok := q.generations[gen]; ok {
		if g.index >= 0 {
			heap.Remove(&q.pending, g.index)
		}
		for _, b := range g.batches {
			if b != running {
				dropped = append(dropped, b)
			}
		}
		delete(q.generations, gen)
	}
	q.mu.Unlock()

	for _, b := range dropped {
		if q.config.Collector != nil {
			q.config.Collector.BatchCancelled(b.Size)
		}
		b.Future.Complete(reason)
	}
	if q.config.Logger != nil && len(dropped) > 0 {
		q.config.Logger.Debug(context.Background(), "cancelled queued batches",
			"generation", gen.String(), "batches", len(dropped))
	}

	if running != nil {
		return running.Future
	}
	return Completed(nil)
}

// IsEmpty reports whether no generation has queued or in-flight batches.
// A batch still running after its generation was cancelled does not count.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.generations) == 0
}

// Len returns the number of queued and in-flight batches.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for gen, g := range q.generations {
		n += len(g.batches)
		if running, ok := q.inFlight[gen]; ok && len(g.batches) > 0 && g.head() == running {
			n--
		}
	}
	return n + len(q.inFlight)
}

// Running returns the in-flight batch of gen, if any.
func (q *Queue[T]) Running(gen searchsync.GenerationID) (*Batch[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.inFlight[gen]
	return b, ok
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
