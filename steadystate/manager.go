// Package steadystate tails a collection's change stream into its search
// index and checkpoints the stream position after every committed batch.
package steadystate

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/getpup/pupsourcing/es"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/changestream"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/classify"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/internal/events"
	"github.com/getpup/searchsync/metrics"
	"github.com/getpup/searchsync/resume"
	"github.com/getpup/searchsync/scheduler"
)

// ErrCursorClosed indicates the server closed the change stream without an
// event explaining why.
var ErrCursorClosed = errors.New("change stream cursor closed by the server")

// Config configures a Manager.
type Config struct {
	Generation searchsync.GenerationID
	Namespace  resume.Namespace
	Indexer    indexer.Indexer

	Commander      changestream.Commander
	NamespaceCheck changestream.NamespaceCheck

	Decoding    *scheduler.WorkScheduler[scheduler.DecodePayload]
	Indexing    *scheduler.WorkScheduler[scheduler.IndexPayload]
	Checkpoints checkpoint.Store

	// BatchSize limits events per getMore (default: server default).
	BatchSize int32

	// MaxAwaitTime bounds how long a getMore waits for events (default: 1s).
	MaxAwaitTime time.Duration

	// Collector records change stream metrics (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// Manager replicates one generation from its change stream.
type Manager struct {
	config Config
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.MaxAwaitTime == 0 {
		cfg.MaxAwaitTime = time.Second
	}
	return &Manager{config: cfg}
}

// Run resumes the change stream from the generation's checkpoint and tails
// it until ctx is cancelled or a failure occurs. It returns nil on
// cancellation and a *classify.SteadyStateError otherwise.
func (m *Manager) Run(ctx context.Context) error {
	info, err := m.config.Checkpoints.Load(ctx, m.config.Generation)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &classify.SteadyStateError{Kind: classify.SteadyStateRequiresResync, Msg: "no change stream checkpoint", Err: err}
		}
		return classify.SteadyState(&searchsync.TransientError{Err: err})
	}
	position, ok := info.(*resume.ChangeStream)
	if !ok {
		return &classify.SteadyStateError{
			Kind: classify.SteadyStateRequiresResync,
			Msg:  "checkpoint is a " + string(info.Kind()) + " position, not a change stream position",
		}
	}

	_, err = m.Tail(ctx, TailOptions{
		StartAfter: position.ResumeToken,
		Priority:   searchsync.PrioritySteadyStateChangeStream,
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// TailOptions configures one pass over the change stream.
type TailOptions struct {
	// StartAfter resumes after the event with this resume token.
	StartAfter bson.Raw

	// StartAtOperationTime starts at a cluster time. Used when there is no
	// token yet, such as the catch-up after a collection scan.
	StartAtOperationTime *primitive.Timestamp

	// Priority the batches are scheduled with. It also selects the error
	// taxonomy failures are classified in.
	Priority searchsync.Priority

	// StopWhenCaughtUp returns after the first empty batch instead of
	// waiting for more events.
	StopWhenCaughtUp bool
}

type pending struct {
	future *scheduler.Future
	info   *resume.ChangeStream
}

// Tail opens a change stream and applies its events until ctx is cancelled,
// a failure occurs, or (with StopWhenCaughtUp) the stream is drained. It
// returns the last checkpointed position.
//
// Decoding happens one batch at a time; indexing of a batch overlaps with
// fetching and decoding the next one.
func (m *Manager) Tail(ctx context.Context, opts TailOptions) (*resume.ChangeStream, error) {
	attempt := searchsync.NewAttemptID()
	client := changestream.NewClient(m.config.Commander, changestream.Config{
		Namespace: m.config.Namespace,
		Command: changestream.ChangeStreamCommand{
			StartAfter:           opts.StartAfter,
			StartAtOperationTime: opts.StartAtOperationTime,
			FullDocument:         changestream.FullDocumentUpdateLookup,
			ShowExpandedEvents:   true,
			SplitLargeEvents:     true,
		},
		BatchSize:      m.config.BatchSize,
		MaxAwaitTime:   m.config.MaxAwaitTime,
		NamespaceCheck: m.config.NamespaceCheck,
		Logger:         m.config.Logger,
	})
	t := &tail{
		manager:  m,
		attempt:  attempt,
		priority: opts.Priority,
		client:   client,
		source:   changestream.NewSplitEventClient(client, m.config.Collector),
	}
	if opts.StartAfter != nil {
		t.saved = &resume.ChangeStream{Namespace: m.config.Namespace, ResumeToken: opts.StartAfter}
		t.lastToken = opts.StartAfter
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "tailing change stream",
			"generationID", m.config.Generation.String(),
			"attemptID", string(attempt),
			"priority", opts.Priority.String())
	}

	return t.run(ctx, opts.StopWhenCaughtUp)
}

type tail struct {
	manager  *Manager
	attempt  searchsync.AttemptID
	priority searchsync.Priority
	client   *changestream.Client
	source   *changestream.SplitEventClient

	inFlight *pending
	saved    *resume.ChangeStream
	// lastToken is the newest token handed to the indexing scheduler.
	lastToken bson.Raw
}

func (t *tail) run(ctx context.Context, stopWhenCaughtUp bool) (*resume.ChangeStream, error) {
	cfg := t.manager.config
	defer func() { _ = t.source.Close(ctx) }()

	for {
		if err := ctx.Err(); err != nil {
			return t.saved, t.abort(ctx, err)
		}

		// The first batch never waits for events, so only an empty getMore
		// means the stream is drained.
		fromGetMore := t.client.State() == changestream.StateGetMore
		batch, err := t.source.GetNext(ctx)
		if err != nil {
			return t.saved, t.abort(ctx, err)
		}
		if cfg.Collector != nil {
			cfg.Collector.AddChangeStreamEvents(string(t.priority.Phase()), len(batch.Events))
		}

		result, err := t.decode(ctx, batch.Events)
		if err != nil {
			return t.saved, t.abort(ctx, err)
		}
		stop := result.stop

		token := batch.PostBatchResumeToken
		if stop != nil || len(token) == 0 {
			token = result.ResumeToken
		}
		if err := t.schedule(ctx, result.Events, token); err != nil {
			return t.saved, t.abort(ctx, err)
		}

		caughtUp := stopWhenCaughtUp && fromGetMore && len(batch.Events) == 0
		closed := t.client.State() == changestream.StateClosed
		if stop != nil || caughtUp || closed {
			if err := t.drain(ctx); err != nil {
				return t.saved, t.abort(ctx, err)
			}
			switch {
			case stop != nil:
				return t.saved, t.abort(ctx, stop)
			case caughtUp:
				return t.saved, nil
			default:
				return t.saved, t.abort(ctx, &searchsync.TransientError{Err: ErrCursorClosed})
			}
		}
	}
}

type decoded struct {
	events.Result
	// stop is the event that ended the stream, if any.
	stop error
}

// decode runs the batch through the decoding scheduler. Events that end the
// stream are reported in stop rather than failing the decode, so that the
// events before them can still be indexed.
func (t *tail) decode(ctx context.Context, raw []bson.Raw) (decoded, error) {
	cfg := t.manager.config
	if len(raw) == 0 {
		return decoded{}, nil
	}

	var out decoded
	decoder := indexer.DecoderFunc(func(ctx context.Context, docs []bson.Raw) error {
		result, err := events.DecodeChangeEvents(cfg.Namespace, docs)
		out.Result = result
		var decodeErr *searchsync.DecodeError
		if errors.As(err, &decodeErr) {
			return err
		}
		out.stop = err
		return nil
	})

	future := cfg.Decoding.Schedule(cfg.Generation, t.attempt, t.priority,
		scheduler.DecodePayload{Documents: raw, Decoder: decoder}, len(raw))
	if err := future.Wait(ctx); err != nil {
		return decoded{}, err
	}
	return out, nil
}

// schedule hands events to the indexing scheduler with the checkpoint to
// commit, then waits for the previous batch and persists its checkpoint.
func (t *tail) schedule(ctx context.Context, docs []indexer.DocumentEvent, token bson.Raw) error {
	cfg := t.manager.config

	var info *resume.ChangeStream
	if len(token) > 0 && !bytes.Equal(t.lastToken, token) {
		info = &resume.ChangeStream{Namespace: cfg.Namespace, ResumeToken: token}
		t.lastToken = token
	}
	if len(docs) == 0 && info == nil {
		return nil
	}

	payload := scheduler.IndexPayload{Events: docs, Indexer: cfg.Indexer}
	if info != nil {
		payload.Checkpoint = info
	}
	next := &pending{
		future: cfg.Indexing.Schedule(cfg.Generation, t.attempt, t.priority, payload, len(docs)),
		info:   info,
	}

	if err := t.drain(ctx); err != nil {
		return err
	}
	t.inFlight = next
	return nil
}

// drain waits for the in-flight index batch and saves its checkpoint.
func (t *tail) drain(ctx context.Context) error {
	if t.inFlight == nil {
		return nil
	}
	p := t.inFlight
	t.inFlight = nil

	if err := p.future.Wait(ctx); err != nil {
		return err
	}
	if p.info == nil {
		return nil
	}

	cfg := t.manager.config
	if err := cfg.Checkpoints.Save(ctx, cfg.Generation, p.info); err != nil {
		return &searchsync.TransientError{Err: err}
	}
	if cfg.Collector != nil {
		cfg.Collector.IncCheckpointsSaved(string(p.info.Kind()))
	}
	t.saved = p.info
	return nil
}

// abort cancels outstanding work of this attempt, closes the stream and
// classifies err.
func (t *tail) abort(ctx context.Context, err error) error {
	cfg := t.manager.config

	reason := err
	if ctx.Err() != nil {
		reason = searchsync.ErrShutDown
	}
	decoding := cfg.Decoding.Cancel(cfg.Generation, t.attempt, reason)
	indexing := cfg.Indexing.Cancel(cfg.Generation, t.attempt, reason)
	<-decoding.Done()
	<-indexing.Done()

	classified := classify.ForPriority(err, t.priority)
	if cfg.Logger != nil && ctx.Err() == nil {
		cfg.Logger.Error(ctx, "change stream replication stopped",
			"generationID", cfg.Generation.String(),
			"attemptID", string(t.attempt),
			"priority", t.priority.String(),
			"error", classified)
	}
	return classified
}
