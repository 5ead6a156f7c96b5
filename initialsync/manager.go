// Package initialsync copies a collection into a fresh index generation and
// then catches up on the changes made while the copy ran.
//
// An initial sync reads the cluster time first (the high-water mark), scans
// the collection either in storage order or in _id order, and finally
// replays the change stream from the high-water mark until it is drained.
// Scan positions are checkpointed after every committed batch, so a
// restarted sync continues where it stopped.
package initialsync

import (
	"context"
	"errors"
	"fmt"

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
	"github.com/getpup/searchsync/steadystate"
)

// ErrNoResumeToken indicates the catch-up change stream never reported a
// position to continue steady state replication from.
var ErrNoResumeToken = errors.New("change stream reported no resume token")

const (
	orderNatural = "natural"
	orderID      = "id"
)

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

	// SteadyState replays the change stream after the scan.
	SteadyState *steadystate.Manager

	// ServerVersion gates natural order scans.
	ServerVersion changestream.Version

	// DisableNaturalOrder forces _id order scans.
	DisableNaturalOrder bool

	// BatchSize limits documents per getMore (default: server default).
	BatchSize int32

	// Collector records scan metrics (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// Manager runs the initial sync of one generation.
type Manager struct {
	config Config
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Run performs or resumes the initial sync. It returns nil once the
// generation has a change stream checkpoint, or when ctx is cancelled, and
// a *classify.InitialSyncError otherwise.
func (m *Manager) Run(ctx context.Context) error {
	err := m.run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Manager) run(ctx context.Context) error {
	cfg := m.config

	var command changestream.ScanCommand
	info, err := cfg.Checkpoints.Load(ctx, cfg.Generation)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		hwm, err := m.highWaterMark(ctx)
		if err != nil {
			return classify.InitialSync(err, classify.PhaseMain)
		}
		command = changestream.ScanCommand{HighWaterMark: hwm, NaturalOrder: m.naturalOrder()}
	case err != nil:
		return classify.InitialSync(&searchsync.TransientError{Err: err}, classify.PhaseMain)
	default:
		switch position := info.(type) {
		case *resume.ChangeStream:
			return nil
		case *resume.IDOrder:
			command = changestream.ScanCommand{HighWaterMark: position.HighWaterMark, LastScannedID: position.LastScannedID}
		case *resume.NaturalOrder:
			if !m.naturalOrder() {
				return &classify.InitialSyncError{
					Kind: classify.InitialSyncRequiresResync,
					Msg:  "natural order checkpoint cannot be resumed on this server",
				}
			}
			command = changestream.ScanCommand{
				HighWaterMark: position.HighWaterMark,
				NaturalOrder:  true,
				StartAt:       position.PostBatchResumeToken,
			}
		default:
			return &classify.InitialSyncError{Kind: classify.InitialSyncRequiresResync, Msg: fmt.Sprintf("unexpected checkpoint %T", info)}
		}
	}

	if err := m.scan(ctx, command); err != nil {
		return err
	}

	hwm := command.HighWaterMark
	last, err := cfg.SteadyState.Tail(ctx, steadystate.TailOptions{
		StartAtOperationTime: &hwm,
		Priority:             searchsync.PriorityInitialSyncChangeStream,
		StopWhenCaughtUp:     true,
	})
	if err != nil {
		return err
	}
	if last == nil {
		return classify.InitialSync(&searchsync.TransientError{Err: ErrNoResumeToken}, classify.PhaseChangeStream)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info(ctx, "initial sync complete",
			"generationID", cfg.Generation.String(),
			"highWaterMark", hwm)
	}
	return nil
}

func (m *Manager) naturalOrder() bool {
	return !m.config.DisableNaturalOrder && changestream.SupportsNaturalOrderScan(m.config.ServerVersion)
}

// highWaterMark opens a change stream that returns no events and reports
// the cluster time it was opened at.
func (m *Manager) highWaterMark(ctx context.Context) (primitive.Timestamp, error) {
	empty := int32(0)
	client := changestream.NewClient(m.config.Commander, changestream.Config{
		Namespace:      m.config.Namespace,
		Command:        changestream.ChangeStreamCommand{BatchSize: &empty},
		NamespaceCheck: m.config.NamespaceCheck,
		Logger:         m.config.Logger,
	})
	defer client.Close(ctx)

	batch, err := client.GetNext(ctx)
	if err != nil {
		return primitive.Timestamp{}, err
	}
	if batch.OperationTime.IsZero() {
		return primitive.Timestamp{}, &searchsync.TransientError{Err: changestream.ErrMissingOperationTime}
	}
	return batch.OperationTime, nil
}

type pending struct {
	future *scheduler.Future
	info   resume.Info
}

// scan reads the collection and indexes it at collection scan priority.
// One index batch runs while the next one is read.
func (m *Manager) scan(ctx context.Context, command changestream.ScanCommand) error {
	cfg := m.config
	attempt := searchsync.NewAttemptID()
	order := orderID
	if command.NaturalOrder {
		order = orderNatural
	}

	client := changestream.NewCollectionScanClient(cfg.Commander, changestream.ScanConfig{
		Namespace:      cfg.Namespace,
		Command:        command,
		BatchSize:      cfg.BatchSize,
		NamespaceCheck: cfg.NamespaceCheck,
		Logger:         cfg.Logger,
	})
	defer client.Close(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Info(ctx, "scanning collection",
			"generationID", cfg.Generation.String(),
			"attemptID", string(attempt),
			"order", order,
			"resumed", len(command.StartAt) > 0 || !command.LastScannedID.IsZero())
	}

	var inFlight *pending
	drain := func() error {
		if inFlight == nil {
			return nil
		}
		p := inFlight
		inFlight = nil
		if err := p.future.Wait(ctx); err != nil {
			return err
		}
		if err := cfg.Checkpoints.Save(ctx, cfg.Generation, p.info); err != nil {
			return &searchsync.TransientError{Err: err}
		}
		if cfg.Collector != nil {
			cfg.Collector.IncCheckpointsSaved(string(p.info.Kind()))
		}
		return nil
	}
	fail := func(err error) error {
		reason := err
		if ctx.Err() != nil {
			reason = searchsync.ErrShutDown
		}
		<-cfg.Decoding.Cancel(cfg.Generation, attempt, reason).Done()
		<-cfg.Indexing.Cancel(cfg.Generation, attempt, reason).Done()
		classified := classify.InitialSync(err, classify.PhaseCollectionScan)
		if cfg.Logger != nil && ctx.Err() == nil {
			cfg.Logger.Error(ctx, "collection scan failed",
				"generationID", cfg.Generation.String(),
				"attemptID", string(attempt),
				"error", classified)
		}
		return classified
	}

	for {
		more, err := client.HasNext(ctx)
		if err != nil {
			return fail(err)
		}
		if !more {
			break
		}

		docs, err := client.GetNext(ctx)
		if err != nil {
			return fail(err)
		}
		if len(docs) == 0 {
			continue
		}
		if cfg.Collector != nil {
			cfg.Collector.AddScannedDocuments(order, len(docs))
		}

		decoded, err := m.decode(ctx, attempt, docs)
		if err != nil {
			return fail(err)
		}

		var position resume.Info
		if command.NaturalOrder {
			position = &resume.NaturalOrder{HighWaterMark: command.HighWaterMark, PostBatchResumeToken: client.PostBatchResumeToken()}
		} else {
			position = &resume.IDOrder{HighWaterMark: command.HighWaterMark, LastScannedID: decoded[len(decoded)-1].ID}
		}

		next := &pending{
			future: cfg.Indexing.Schedule(cfg.Generation, attempt, searchsync.PriorityInitialSyncCollectionScan,
				scheduler.IndexPayload{Events: decoded, Indexer: cfg.Indexer, Checkpoint: position}, len(decoded)),
			info: position,
		}
		if err := drain(); err != nil {
			return fail(err)
		}
		inFlight = next
	}

	if err := drain(); err != nil {
		return fail(err)
	}
	return nil
}

func (m *Manager) decode(ctx context.Context, attempt searchsync.AttemptID, docs []bson.Raw) ([]indexer.DocumentEvent, error) {
	cfg := m.config

	var decoded []indexer.DocumentEvent
	decoder := indexer.DecoderFunc(func(ctx context.Context, docs []bson.Raw) error {
		var err error
		decoded, err = events.DecodeDocuments(docs)
		return err
	})

	future := cfg.Decoding.Schedule(cfg.Generation, attempt, searchsync.PriorityInitialSyncCollectionScan,
		scheduler.DecodePayload{Documents: docs, Decoder: decoder}, len(docs))
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	return decoded, nil
}
