// Package scheduler runs decoding and indexing work for many index
// generations on a bounded number of workers.
//
// Work is submitted as batches. A Queue keeps each generation's batches in
// order and lets at most one of them run at a time, while a WorkScheduler
// pulls batches off the queue and runs them with a Strategy.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/classify"
	"github.com/getpup/searchsync/metrics"
	"golang.org/x/sync/semaphore"
)

// Strategy runs the work carried by a batch.
type Strategy[T any] interface {
	Run(ctx context.Context, b *Batch[T]) error
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc[T any] func(ctx context.Context, b *Batch[T]) error

// Run calls f(ctx, b).
func (f StrategyFunc[T]) Run(ctx context.Context, b *Batch[T]) error {
	return f(ctx, b)
}

// Config configures a WorkScheduler.
type Config struct {
	// Name labels logs and metrics (default: "scheduler").
	Name string

	// Workers bounds the number of batches running at once (default: GOMAXPROCS).
	Workers int

	// FailedAttempts bounds how many cancelled attempts are remembered (default: 1024).
	FailedAttempts int

	// Logger is for observability (optional).
	Logger es.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// WorkScheduler runs queued batches with a Strategy.
//
// A finished batch releases its worker and is finalized in the queue before
// its future completes, so the generation's next batch can start as soon as
// the caller observes the result. Failures are classified for the phase the
// batch's priority belongs to.
type WorkScheduler[T any] struct {
	config    Config
	queue     *Queue[T]
	strategy  Strategy[T]
	permits   *semaphore.Weighted
	collector *metrics.Collector

	mu             sync.Mutex
	shutdown       *Future
	stopDispatcher context.CancelFunc
	dispatcherDone chan struct{}
	running        sync.WaitGroup
}

// New creates a WorkScheduler and starts dispatching.
func New[T any](cfg Config, strategy Strategy[T]) *WorkScheduler[T] {
	if cfg.Name == "" {
		cfg.Name = "scheduler"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	var collector *metrics.Collector
	metricsEnabled := true
	if cfg.MetricsEnabled != nil {
		metricsEnabled = *cfg.MetricsEnabled
	}
	if metricsEnabled {
		collector = metrics.NewCollector(cfg.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WorkScheduler[T]{
		config: cfg,
		queue: NewQueue[T](QueueConfig{
			FailedAttempts: cfg.FailedAttempts,
			Collector:      collector,
			Logger:         cfg.Logger,
		}),
		strategy:       strategy,
		permits:        semaphore.NewWeighted(int64(cfg.Workers)),
		collector:      collector,
		stopDispatcher: cancel,
		dispatcherDone: make(chan struct{}),
	}
	go s.dispatch(ctx)
	return s
}

// Schedule enqueues payload for gen and returns the future of its batch.
// size is the number of events or documents in payload.
//
// Schedule panics once Shutdown has been called.
func (s *WorkScheduler[T]) Schedule(gen searchsync.GenerationID, attempt searchsync.AttemptID, priority searchsync.Priority, payload T, size int) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown != nil {
		panic(fmt.Sprintf("cannot schedule work for generation %s: scheduler %s is shut down", gen, s.config.Name))
	}

	b := NewBatch(gen, attempt, priority, payload, size)
	s.queue.Add(b)
	return b.Future
}

// Cancel drops the queued batches of gen and fails later batches of
// attempt. The returned future completes when the in-flight batch of gen,
// if any, has finished.
func (s *WorkScheduler[T]) Cancel(gen searchsync.GenerationID, attempt searchsync.AttemptID, reason error) *Future {
	return s.queue.Cancel(gen, attempt, reason)
}

// Shutdown stops dispatching. The returned future completes once running
// batches have finished. Every generation must have been cancelled or
// drained first: Shutdown panics if batches are still queued.
func (s *WorkScheduler[T]) Shutdown() *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown != nil {
		return s.shutdown
	}
	if !s.queue.IsEmpty() {
		panic(fmt.Sprintf("cannot shut down scheduler %s: %d batches are still queued", s.config.Name, s.queue.Len()))
	}

	s.shutdown = NewFuture()
	s.stopDispatcher()
	go func(f *Future) {
		<-s.dispatcherDone
		f.Complete(nil)
	}(s.shutdown)

	if s.config.Logger != nil {
		s.config.Logger.Info(context.Background(), "scheduler shutting down", "scheduler", s.config.Name)
	}
	return s.shutdown
}

// Queue returns the scheduler's queue.
func (s *WorkScheduler[T]) Queue() *Queue[T] {
	return s.queue
}

func (s *WorkScheduler[T]) dispatch(ctx context.Context) {
	defer close(s.dispatcherDone)
	// Running batches are never interrupted by shutdown.
	workCtx := context.WithoutCancel(ctx)

	for {
		if err := s.permits.Acquire(ctx, 1); err != nil {
			break
		}
		b, err := s.queue.Remove(ctx)
		if err != nil {
			s.permits.Release(1)
			break
		}

		s.running.Add(1)
		go s.execute(workCtx, b)
	}

	s.running.Wait()
}

func (s *WorkScheduler[T]) execute(ctx context.Context, b *Batch[T]) {
	defer s.running.Done()

	if s.collector != nil {
		s.collector.BatchStarted(b.Priority.String(), time.Since(b.EnqueuedAt))
	}
	start := time.Now()

	err := s.strategy.Run(ctx, b)

	if s.collector != nil {
		s.collector.BatchFinished(time.Since(start), err)
	}
	s.permits.Release(1)
	s.queue.FinalizeBatch(b)

	if err != nil {
		classified := classify.ForPriority(err, b.Priority)
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "batch failed",
				"scheduler", s.config.Name,
				"generation", b.GenerationID.String(),
				"sequence", b.Sequence,
				"error", classified)
		}
		b.Future.Complete(classified)
		return
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "batch completed",
			"scheduler", s.config.Name,
			"generation", b.GenerationID.String(),
			"sequence", b.Sequence,
			"size", b.Size,
			"duration", time.Since(start))
	}
	b.Future.Complete(nil)
}
