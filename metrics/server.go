package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports whether a dependency of the replication process is usable.
type Check func(ctx context.Context) error

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	gatherer     prometheus.Gatherer
	checks       map[string]Check
	checkTimeout time.Duration
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(o *serverOptions) {
		o.gatherer = g
	}
}

// WithReadinessCheck adds a named check to /readyz.
func WithReadinessCheck(name string, check Check) ServerOption {
	return func(o *serverOptions) {
		o.checks[name] = check
	}
}

// WithCheckTimeout bounds each readiness check (default: 2s).
func WithCheckTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.checkTimeout = d
	}
}

// Server serves /metrics, a /healthz liveness probe and a /readyz probe
// that runs the registered checks.
type Server struct {
	server  *http.Server
	opts    serverOptions
	errChan chan error
}

// NewServer creates a metrics server on the specified address, e.g. ":9090".
func NewServer(addr string, opts ...ServerOption) *Server {
	o := serverOptions{
		gatherer:     prometheus.DefaultGatherer,
		checks:       make(map[string]Check),
		checkTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{opts: o, errChan: make(chan error, 1)}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.ready)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.opts.checks))
	for name := range s.opts.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.checkTimeout)
		err := s.opts.checks[name](ctx)
		cancel()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(failed) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Join(failed, "\n")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start serves in a goroutine and returns immediately. Startup failures are
// reported by Err.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errChan <- err
		}
	}()
}

// Err returns the error the server stopped with, if any. It does not block.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
