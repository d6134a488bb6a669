// Package daemon wires the manager's components into one running
// process: the registrar that accepts simulator registrations, the
// orchestration runner, the database buffer, the metrics registry, and
// the front-end HTTP API. Lifecycle is a small state machine guarded
// by a mutex; Run races server errors against context cancellation.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simfleet/manager/internal/config"
	"github.com/simfleet/manager/internal/dbbuffer"
	"github.com/simfleet/manager/internal/frontend"
	"github.com/simfleet/manager/internal/metrics"
	"github.com/simfleet/manager/internal/registry"
	"github.com/simfleet/manager/internal/runner"
	"github.com/simfleet/manager/internal/storage"
	"github.com/simfleet/manager/internal/transport"
)

// State is the daemon's own lifecycle, distinct from any one
// simulation's state machine.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateStopped:
		return next == StateStarting
	case StateStarting:
		return next == StateRunning || next == StateStopping
	case StateRunning:
		return next == StateStopping
	case StateStopping:
		return next == StateStopped
	default:
		return false
	}
}

// Daemon is the running manager process.
type Daemon struct {
	mu    sync.RWMutex
	state State

	cfg *config.Config

	store      *storage.Store
	buffer     *dbbuffer.Buffer
	registry   *registry.Registry
	runner     *runner.Runner
	metrics    *metrics.Metrics
	registrar  *transport.Registrar
	httpServer *http.Server

	serverErr chan error
}

// New constructs a Daemon from cfg. It opens the database connection
// but does not yet bind any listener — call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	store, err := storage.Open(ctx, storage.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
	})
	if err != nil {
		return nil, err
	}

	mets := metrics.New(prometheus.DefaultRegisterer)
	buffer := dbbuffer.New(store, cfg.DBBufferCapacity)
	reg := registry.New(mets)
	run := runner.New(buffer, mets)

	return &Daemon{
		cfg:      cfg,
		store:    store,
		buffer:   buffer,
		registry: reg,
		runner:   run,
		metrics:  mets,

		serverErr: make(chan error, 2),
	}, nil
}

// Start transitions the daemon from Stopped to Running: it starts the
// database buffer consumer, binds the registrar listener, and starts the
// front-end HTTP server in a background goroutine before returning.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if !d.state.CanTransitionTo(StateStarting) {
		d.mu.Unlock()
		return fmt.Errorf("cannot start daemon from state %s", d.state)
	}
	d.state = StateStarting
	d.mu.Unlock()

	d.buffer.Start(ctx)
	go d.pollBufferStats(ctx)

	registrar, err := transport.NewRegistrar(d.cfg.ManagerAddr, d.registry)
	if err != nil {
		return fmt.Errorf("failed to start registrar; %w", err)
	}
	d.registrar = registrar
	go registrar.Serve()

	mux := http.NewServeMux()
	mux.Handle("/", frontend.New(d.registry, d.runner, d.store, d.buffer).Handler())
	mux.Handle("/metrics", promhttp.Handler())

	d.httpServer = &http.Server{Addr: d.cfg.FrontEndBind, Handler: mux}

	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.serverErr <- fmt.Errorf("front-end server failed; %w", err)
		}
	}()

	d.mu.Lock()
	d.state = StateRunning
	d.mu.Unlock()

	advertised := d.cfg.ConnectorAddr
	if advertised == "" {
		advertised = d.cfg.ManagerAddr
	}
	slog.Info("manager daemon started",
		"manager_addr", d.cfg.ManagerAddr,
		"connector_addr", advertised,
		"frontend_bind", d.cfg.FrontEndBind)
	return nil
}

// pollBufferStats periodically copies the database buffer's queue
// depth and lifetime enqueue count into the Prometheus gauges/counters
// the front-end's /metrics endpoint exposes.
func (d *Daemon) pollBufferStats(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastEnqueued uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.buffer.Stats()
			d.metrics.BufferDepth.Set(float64(stats.Depth))
			if stats.Enqueued > lastEnqueued {
				d.metrics.BufferEnqueuedTotal.Add(float64(stats.Enqueued - lastEnqueued))
				lastEnqueued = stats.Enqueued
			}
		}
	}
}

// Run blocks until ctx is cancelled or a fatal server error occurs,
// then stops the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-d.serverErr:
		runErr = err
	case err := <-d.buffer.Errors():
		// Durable state can no longer track runner state; that is
		// fatal to the whole manager process.
		slog.Error("database buffer reported a fatal error", "error", err)
		runErr = err
	}

	if err := d.Stop(context.Background()); err != nil {
		slog.Error("error during shutdown", "error", err)
	}

	return runErr
}

// Stop transitions the daemon to Stopped, closing the HTTP server,
// the registrar listener, and draining the database buffer.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.state.CanTransitionTo(StateStopping) {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(ctx)
	}
	if d.registrar != nil {
		_ = d.registrar.Close()
	}

	d.buffer.Close()
	_ = d.store.Close()

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()

	slog.Info("manager daemon stopped")
	return nil
}

// Registry exposes the daemon's simulator registry, e.g. for tests or
// an operational status command.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Runner exposes the daemon's orchestration runner.
func (d *Daemon) Runner() *runner.Runner { return d.runner }
