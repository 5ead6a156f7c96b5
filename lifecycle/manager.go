// Package lifecycle drives one index generation through initial sync and
// steady state replication, acting on the classified failures each phase
// reports.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/classify"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/metrics"
	"github.com/getpup/searchsync/resume"
)

// Source describes what a phase replicates from.
type Source struct {
	Namespace resume.Namespace
	// DisableNaturalOrder forces _id order collection scans.
	DisableNaturalOrder bool
}

// Factory builds the replicator for one run of a phase.
type Factory func(src Source) searchsync.Replicator

// Config configures a Manager.
type Config struct {
	Generation searchsync.GenerationID
	Namespace  resume.Namespace

	Indexer     indexer.Indexer
	Checkpoints checkpoint.Store

	// InitialSync builds an initial sync run (required).
	InitialSync Factory

	// SteadyState builds a steady state run (required).
	SteadyState Factory

	// RetryInterval is the first delay after a transient failure (default: 1s).
	// It doubles with every consecutive failure.
	RetryInterval time.Duration

	// MaxRetryInterval caps the retry delay (default: 30s).
	MaxRetryInterval time.Duration

	// Collector records classified failures (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// Manager runs a generation until it is stopped or reaches a state that
// needs outside intervention.
type Manager struct {
	config Config

	phase       searchsync.Phase
	source      Source
	failures    int
	resyncs     int
	lastStarted time.Time
}

// New creates a Manager.
// Applies default values for all duration fields if zero.
func New(cfg Config) *Manager {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	return &Manager{
		config: cfg,
		source: Source{Namespace: cfg.Namespace},
	}
}

// Run replicates the generation. It returns nil when ctx is cancelled or a
// phase asks to stop. A classified error whose action is ActionWait or
// ActionFail is returned to the caller, as is any failure to act on a
// classified error.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.resume(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.lastStarted = time.Now()
		phase := m.phase
		err := m.runPhase(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			if phase == searchsync.PhaseInitialSync {
				m.logInfo(ctx, "initial sync complete")
				m.phase = searchsync.PhaseSteadyState
				m.failures = 0
				continue
			}
			return nil
		}

		m.record(phase, err)
		done, err := m.handle(ctx, phase, err)
		if done || err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// resume picks the starting phase from the generation's checkpoint.
func (m *Manager) resume(ctx context.Context) error {
	info, err := m.config.Checkpoints.Load(ctx, m.config.Generation)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		m.phase = searchsync.PhaseInitialSync
		return nil
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if position, ok := info.(*resume.ChangeStream); ok {
		m.phase = searchsync.PhaseSteadyState
		m.source.Namespace = position.Namespace
	} else {
		m.phase = searchsync.PhaseInitialSync
	}
	m.logInfo(ctx, "resuming generation", "phase", string(m.phase), "checkpoint", string(info.Kind()))
	return nil
}

func (m *Manager) runPhase(ctx context.Context) error {
	if m.phase == searchsync.PhaseInitialSync {
		return m.config.InitialSync(m.source).Run(ctx)
	}
	return m.config.SteadyState(m.source).Run(ctx)
}

// handle acts on a classified failure. It reports done when Run should
// return err to its caller.
func (m *Manager) handle(ctx context.Context, phase searchsync.Phase, err error) (bool, error) {
	action := classify.ActionOf(err)
	m.logError(ctx, "replication failed", "phase", string(phase), "action", action.String(), "error", err)

	switch action {
	case classify.ActionRetry:
		m.failures++
		if !m.sleep(ctx, m.backoff()) {
			return true, nil
		}
		return false, nil

	case classify.ActionRestart:
		info := resumeInfoOf(err)
		position, ok := info.(*resume.ChangeStream)
		if !ok {
			return true, fmt.Errorf("restart without a change stream position: %w", err)
		}
		if saveErr := m.config.Checkpoints.Save(ctx, m.config.Generation, position); saveErr != nil {
			return true, fmt.Errorf("failed to save restart checkpoint: %w", saveErr)
		}
		if position.Namespace != m.source.Namespace {
			m.logInfo(ctx, "following renamed collection", "from", m.source.Namespace.String(), "to", position.Namespace.String())
		}
		m.source.Namespace = position.Namespace
		m.phase = searchsync.PhaseSteadyState
		m.failures = 0
		return false, nil

	case classify.ActionResync, classify.ActionResyncKeepIndex:
		if action == classify.ActionResync {
			if clearErr := m.config.Indexer.ClearIndex(ctx); clearErr != nil {
				return true, fmt.Errorf("failed to clear index: %w", clearErr)
			}
		}
		if delErr := m.config.Checkpoints.Delete(ctx, m.config.Generation); delErr != nil {
			return true, fmt.Errorf("failed to delete checkpoint: %w", delErr)
		}
		if classify.NaturalOrderUnsupported(err) {
			m.source.DisableNaturalOrder = true
		}
		m.resyncs++
		m.phase = searchsync.PhaseInitialSync
		m.failures = 0
		return false, nil

	case classify.ActionStop:
		return true, nil

	default:
		// ActionWait and ActionFail need the collection back or a user.
		return true, err
	}
}

// backoff returns the delay before the next retry. A phase that ran for
// longer than the maximum interval resets the streak.
func (m *Manager) backoff() time.Duration {
	if time.Since(m.lastStarted) >= m.config.MaxRetryInterval {
		m.failures = 1
	}
	delay := m.config.RetryInterval
	for i := 1; i < m.failures && delay < m.config.MaxRetryInterval; i++ {
		delay *= 2
	}
	if delay > m.config.MaxRetryInterval {
		delay = m.config.MaxRetryInterval
	}
	return delay
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Phase returns the phase the generation is in. It is only meaningful
// while Run is not executing.
func (m *Manager) Phase() searchsync.Phase {
	return m.phase
}

// Resyncs returns how many times the generation restarted its initial sync.
func (m *Manager) Resyncs() int {
	return m.resyncs
}

func (m *Manager) record(phase searchsync.Phase, err error) {
	if m.config.Collector == nil {
		return
	}
	m.config.Collector.IncClassifiedErrors(string(phase), kindOf(err))
}

func kindOf(err error) string {
	var initial *classify.InitialSyncError
	if errors.As(err, &initial) {
		return initial.Kind.String()
	}
	var steady *classify.SteadyStateError
	if errors.As(err, &steady) {
		return steady.Kind.String()
	}
	return "unclassified"
}

func resumeInfoOf(err error) resume.Info {
	var initial *classify.InitialSyncError
	if errors.As(err, &initial) {
		return initial.ResumeInfo
	}
	var steady *classify.SteadyStateError
	if errors.As(err, &steady) {
		return steady.ResumeInfo
	}
	return nil
}

func (m *Manager) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, msg, append([]interface{}{"generation", m.config.Generation.String()}, keyvals...)...)
	}
}

func (m *Manager) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Error(ctx, msg, append([]interface{}{"generation", m.config.Generation.String()}, keyvals...)...)
	}
}
