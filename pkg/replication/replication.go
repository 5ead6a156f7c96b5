// Package replication runs index generations against a MongoDB source.
//
// A Service owns one decoding and one indexing scheduler that every
// generation shares, so batches of different generations are served in
// priority order: initial sync catch-up first, then steady state, then
// collection scans. Each generation is driven by a lifecycle.Manager.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/hashicorp/go-multierror"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/changestream"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/embedding"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/initialsync"
	"github.com/getpup/searchsync/lifecycle"
	"github.com/getpup/searchsync/metrics"
	"github.com/getpup/searchsync/resume"
	"github.com/getpup/searchsync/scheduler"
	"github.com/getpup/searchsync/steadystate"
)

// Generation is an index generation to replicate.
type Generation struct {
	ID        searchsync.GenerationID
	Namespace resume.Namespace
	Indexer   indexer.Indexer

	// NamespaceCheck builds the check run before cursors open and after
	// cursor failures (optional).
	NamespaceCheck changestream.NamespaceCheck
}

// Option configures a Service.
type Option func(*config)

type config struct {
	commander           changestream.Commander
	checkpoints         checkpoint.Store
	serverVersion       changestream.Version
	decodeWorkers       int
	indexWorkers        int
	batchSize           int32
	maxAwaitTime        time.Duration
	retryInterval       time.Duration
	maxRetryInterval    time.Duration
	disableNaturalOrder bool
	commitOnFinalize    bool
	embedder            embedding.Provider
	catalog             *embedding.Catalog
	logger              es.Logger
	metricsEnabled      *bool
}

// Service replicates generations over shared schedulers.
type Service struct {
	config   config
	decoding *scheduler.WorkScheduler[scheduler.DecodePayload]
	indexing *scheduler.WorkScheduler[scheduler.IndexPayload]

	mu     sync.Mutex
	closed bool
}

// New creates a Service with the given options.
//
// Required options:
//   - WithCommander: runs cursor commands against the source cluster
//   - WithCheckpointStore: persists resume positions
//
// Optional configuration (with defaults):
//   - WithServerVersion: source version, gates natural order scans (default: unknown, _id order)
//   - WithDecodeWorkers / WithIndexWorkers: concurrent batches (default: GOMAXPROCS)
//   - WithBatchSize: documents per getMore (default: server default)
//   - WithMaxAwaitTime: change stream getMore wait (default: 1s)
//   - WithRetryInterval: transient failure backoff (default: 1s, capped at 30s)
//   - WithDisableNaturalOrder: always scan in _id order
//   - WithCommitOnFinalize: commit after every index batch
//   - WithEmbedding: embed configured fields before indexing
//   - WithLogger: logger for observability (default: nil)
//   - WithMetricsEnabled: enable Prometheus metrics (default: true)
//
// Returns an error if any required option is missing.
func New(opts ...Option) (*Service, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.commander == nil {
		return nil, fmt.Errorf("commander is required: use WithCommander option")
	}
	if cfg.checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required: use WithCheckpointStore option")
	}
	if cfg.embedder != nil && cfg.catalog == nil {
		cfg.catalog = embedding.DefaultCatalog()
	}

	s := &Service{config: *cfg}
	s.decoding = scheduler.NewDecoding(scheduler.Config{
		Workers:        cfg.decodeWorkers,
		Logger:         cfg.logger,
		MetricsEnabled: cfg.metricsEnabled,
	})

	indexCfg := scheduler.Config{
		Workers:        cfg.indexWorkers,
		Logger:         cfg.logger,
		MetricsEnabled: cfg.metricsEnabled,
	}
	if cfg.embedder != nil {
		s.indexing = scheduler.NewEmbedding(indexCfg, &scheduler.EmbedStrategy{
			Provider:         cfg.embedder,
			Catalog:          cfg.catalog,
			CommitOnFinalize: cfg.commitOnFinalize,
			Collector:        s.collector("embedding"),
			Logger:           cfg.logger,
		})
	} else {
		s.indexing = scheduler.NewIndexing(indexCfg, cfg.commitOnFinalize)
	}
	return s, nil
}

// Manager builds the lifecycle manager for gen.
func (s *Service) Manager(gen Generation) *lifecycle.Manager {
	cfg := s.config
	collector := s.collector(gen.ID.IndexID)

	steady := func(src lifecycle.Source) *steadystate.Manager {
		return steadystate.New(steadystate.Config{
			Generation:     gen.ID,
			Namespace:      src.Namespace,
			Indexer:        gen.Indexer,
			Commander:      cfg.commander,
			NamespaceCheck: gen.NamespaceCheck,
			Decoding:       s.decoding,
			Indexing:       s.indexing,
			Checkpoints:    cfg.checkpoints,
			BatchSize:      cfg.batchSize,
			MaxAwaitTime:   cfg.maxAwaitTime,
			Collector:      collector,
			Logger:         cfg.logger,
		})
	}

	return lifecycle.New(lifecycle.Config{
		Generation:  gen.ID,
		Namespace:   gen.Namespace,
		Indexer:     gen.Indexer,
		Checkpoints: cfg.checkpoints,
		InitialSync: func(src lifecycle.Source) searchsync.Replicator {
			return initialsync.New(initialsync.Config{
				Generation:          gen.ID,
				Namespace:           src.Namespace,
				Indexer:             gen.Indexer,
				Commander:           cfg.commander,
				NamespaceCheck:      gen.NamespaceCheck,
				Decoding:            s.decoding,
				Indexing:            s.indexing,
				Checkpoints:         cfg.checkpoints,
				SteadyState:         steady(src),
				ServerVersion:       cfg.serverVersion,
				DisableNaturalOrder: cfg.disableNaturalOrder || src.DisableNaturalOrder,
				BatchSize:           cfg.batchSize,
				Collector:           collector,
				Logger:              cfg.logger,
			})
		},
		SteadyState: func(src lifecycle.Source) searchsync.Replicator {
			return steady(src)
		},
		RetryInterval:    cfg.retryInterval,
		MaxRetryInterval: cfg.maxRetryInterval,
		Collector:        collector,
		Logger:           cfg.logger,
	})
}

// Run replicates gens until ctx is cancelled. A generation that stops with
// an error does not stop the others; Run returns once every generation has
// returned, with their errors combined.
func (s *Service) Run(ctx context.Context, gens ...Generation) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return searchsync.ErrShutDown
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, gen := range gens {
		wg.Add(1)
		go func(gen Generation) {
			defer wg.Done()

			if s.config.logger != nil {
				s.config.logger.Info(ctx, "replicating generation", "generation", gen.ID.String(), "namespace", gen.Namespace.String())
			}
			if err := s.Manager(gen).Run(ctx); err != nil {
				if s.config.logger != nil {
					s.config.logger.Error(ctx, "generation stopped", "generation", gen.ID.String(), "error", err)
				}
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("generation %s: %w", gen.ID, err))
				mu.Unlock()
			}
		}(gen)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

// Shutdown stops both schedulers once running batches have finished.
// Generations must have returned from Run first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	decoding := s.decoding.Shutdown()
	indexing := s.indexing.Shutdown()
	return errors.Join(decoding.Wait(ctx), indexing.Wait(ctx))
}

func (s *Service) collector(name string) *metrics.Collector {
	if s.config.metricsEnabled != nil && !*s.config.metricsEnabled {
		return nil
	}
	return metrics.NewCollector(name)
}

// WithCommander sets the command runner for the source cluster.
func WithCommander(commander changestream.Commander) Option {
	return func(c *config) {
		c.commander = commander
	}
}

// WithCheckpointStore sets where resume positions are persisted.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(c *config) {
		c.checkpoints = store
	}
}

// WithServerVersion sets the source cluster version.
func WithServerVersion(version changestream.Version) Option {
	return func(c *config) {
		c.serverVersion = version
	}
}

// WithDecodeWorkers sets how many decode batches run at once.
func WithDecodeWorkers(n int) Option {
	return func(c *config) {
		c.decodeWorkers = n
	}
}

// WithIndexWorkers sets how many index batches run at once.
func WithIndexWorkers(n int) Option {
	return func(c *config) {
		c.indexWorkers = n
	}
}

// WithBatchSize sets the number of documents or events per getMore.
func WithBatchSize(size int32) Option {
	return func(c *config) {
		c.batchSize = size
	}
}

// WithMaxAwaitTime sets how long a change stream getMore waits for events.
func WithMaxAwaitTime(d time.Duration) Option {
	return func(c *config) {
		c.maxAwaitTime = d
	}
}

// WithRetryInterval sets the first and the maximum delay after a transient failure.
func WithRetryInterval(initial, maxInterval time.Duration) Option {
	return func(c *config) {
		c.retryInterval = initial
		c.maxRetryInterval = maxInterval
	}
}

// WithDisableNaturalOrder forces _id order collection scans.
func WithDisableNaturalOrder(disable bool) Option {
	return func(c *config) {
		c.disableNaturalOrder = disable
	}
}

// WithCommitOnFinalize commits the index after every batch.
func WithCommitOnFinalize(commit bool) Option {
	return func(c *config) {
		c.commitOnFinalize = commit
	}
}

// WithEmbedding embeds auto-embedded fields with provider before indexing.
// A nil catalog selects embedding.DefaultCatalog.
func WithEmbedding(provider embedding.Provider, catalog *embedding.Catalog) Option {
	return func(c *config) {
		c.embedder = provider
		c.catalog = catalog
	}
}

// WithLogger sets the logger for observability.
func WithLogger(logger es.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricsEnabled enables or disables Prometheus metrics collection.
func WithMetricsEnabled(enabled bool) Option {
	return func(c *config) {
		c.metricsEnabled = &enabled
	}
}
