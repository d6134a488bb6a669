// Package runner is the orchestration runner: for each
// active simulation it holds a state machine (Pending -> Computing ->
// Finished|Failed) and, once per timestep, calls every simulator in
// the simulation's Plan in strict plan order, reconciling each
// simulator's output into the shared graph with last-write-wins +
// carry-over semantics before calling the next simulator in the plan.
//
// One goroutine runs per active simulation; the fleet is supervised
// with golang.org/x/sync/errgroup so a manager shutdown drains every
// simulation goroutine deterministically.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simfleet/manager/internal/dbbuffer"
	"github.com/simfleet/manager/internal/graph"
	"github.com/simfleet/manager/internal/metrics"
	"github.com/simfleet/manager/internal/registry"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/storage"
)

// Simulation is the runner's live view of one simulation: its current
// status, its current graph, and the sequence number of the last
// completed timestep.
type Simulation struct {
	ID        string
	Name      string
	Plan      registry.Plan
	DeltaTime time.Duration

	mu         sync.RWMutex
	graph      graph.Graph
	status     storage.Status
	statusInfo string
	seq        int
	cancel     context.CancelFunc
}

func (s *Simulation) Snapshot() (graph.Graph, storage.Status, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph, s.status, s.seq
}

// StatusInfo returns the human-readable reason recorded alongside a
// Failed status; empty for every other state.
func (s *Simulation) StatusInfo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusInfo
}

func (s *Simulation) setStatus(status storage.Status, info string) {
	s.mu.Lock()
	s.status = status
	s.statusInfo = info
	s.mu.Unlock()
}

// Runner tracks every active simulation and owns the errgroup that
// supervises their goroutines.
type Runner struct {
	buffer  *dbbuffer.Buffer
	metrics *metrics.Metrics

	mu          sync.RWMutex
	simulations map[string]*Simulation

	group *errgroup.Group
}

// New returns a Runner that persists frames and status changes through
// buffer. mets may be nil, in which case instrumentation is skipped —
// useful for tests that don't care about Prometheus registration.
func New(buffer *dbbuffer.Buffer, mets *metrics.Metrics) *Runner {
	return &Runner{
		buffer:      buffer,
		metrics:     mets,
		simulations: make(map[string]*Simulation),
		group:       &errgroup.Group{},
	}
}

// StepInterval is the wall-clock pause between timesteps; a nonzero
// value keeps a fast simulator fleet from saturating a slow database
// buffer, a concern the Design Notes raise for the unbounded queue.
var StepInterval = 100 * time.Millisecond

// CallTimeout bounds how long the runner waits for a single simulator
// call (SetupSimulation or DoTimestep) to answer before declaring the
// owning simulation Failed with reason SimulatorTimeout.
var CallTimeout = 10 * time.Second

// Launch starts a new simulation: it enqueues the Pending status to
// the database buffer, spawns its goroutine under the runner's errgroup, and
// returns immediately with a Simulation handle the caller can poll or
// cancel. maxSteps bounds how many timesteps the simulation runs
// before transitioning to Finished; 0 means run until Cancel is
// called.
func (r *Runner) Launch(ctx context.Context, id, name string, plan registry.Plan, initial graph.Graph, deltaTime time.Duration, maxSteps int) (*Simulation, error) {
	simCtx, cancel := context.WithCancel(ctx)

	sim := &Simulation{
		ID:        id,
		Name:      name,
		Plan:      plan,
		DeltaTime: deltaTime,
		graph:     initial,
		status:    storage.StatusPending,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.simulations[id] = sim
	r.mu.Unlock()

	if err := r.buffer.EnqueueStatus(id, storage.StatusPending, ""); err != nil {
		cancel()
		return nil, err
	}

	r.group.Go(func() error {
		return r.run(simCtx, sim, maxSteps)
	})

	return sim, nil
}

// Get returns the tracked simulation by id, if any.
func (r *Runner) Get(id string) (*Simulation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sim, ok := r.simulations[id]
	return sim, ok
}

// List returns every tracked simulation.
func (r *Runner) List() []*Simulation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Simulation, 0, len(r.simulations))
	for _, s := range r.simulations {
		out = append(out, s)
	}
	return out
}

// Cancel stops a running simulation; the context of its in-flight
// simulator call is cancelled, and its goroutine records Failed and
// exits. Cancellation of one
// simulation never affects any other.
func (r *Runner) Cancel(id string) {
	if sim, ok := r.Get(id); ok {
		sim.cancel()
	}
}

// Wait blocks until every launched simulation goroutine has returned.
func (r *Runner) Wait() error {
	return r.group.Wait()
}

func (r *Runner) run(ctx context.Context, sim *Simulation, maxSteps int) error {
	sim.setStatus(storage.StatusComputing, "")
	if err := r.buffer.EnqueueStatus(sim.ID, storage.StatusComputing, ""); err != nil {
		slog.Warn("failed to record status transition", "simulation", sim.ID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.SimulationsActive.Inc()
		defer r.metrics.SimulationsActive.Dec()
	}

	if err := r.setupSimulators(ctx, sim); err != nil {
		return r.fail(sim, err)
	}

	for step := 0; maxSteps == 0 || step < maxSteps; step++ {
		select {
		case <-ctx.Done():
			return r.fail(sim, ctx.Err())
		default:
		}

		if err := r.timestep(ctx, sim); err != nil {
			return r.fail(sim, err)
		}

		select {
		case <-ctx.Done():
			return r.fail(sim, ctx.Err())
		case <-time.After(StepInterval):
		}
	}

	sim.setStatus(storage.StatusFinished, "")
	if err := r.buffer.EnqueueStatus(sim.ID, storage.StatusFinished, ""); err != nil {
		slog.Warn("failed to record finished status", "simulation", sim.ID, "error", err)
	}
	return nil
}

func (r *Runner) setupSimulators(ctx context.Context, sim *Simulation) error {
	g, _, _ := sim.Snapshot()
	for _, step := range sim.Plan.Steps {
		callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
		err := step.Simulator.Conn.SetupSimulation(callCtx, g, sim.DeltaTime)
		cancel()
		if err != nil {
			return simulatorCallError(step.Simulator.Name, "setup", callCtx, err)
		}
	}
	return nil
}

// timestep calls every simulator in sim.Plan in strict order, merging
// each one's output into the shared graph before the next simulator
// is called, so a later simulator observes every earlier simulator's
// writes within the same timestep.
func (r *Runner) timestep(ctx context.Context, sim *Simulation) error {
	sim.mu.Lock()
	current := sim.graph
	seq := sim.seq
	sim.mu.Unlock()

	for _, step := range sim.Plan.Steps {
		callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
		start := time.Now()
		output, err := step.Simulator.Conn.DoTimestep(callCtx, current)
		elapsed := time.Since(start)
		cancel()
		if err != nil {
			if r.metrics != nil {
				r.metrics.ProtocolViolations.WithLabelValues(step.Simulator.Name).Inc()
			}
			return simulatorCallError(step.Simulator.Name, "timestep", callCtx, err)
		}
		if r.metrics != nil {
			r.metrics.TimestepsTotal.WithLabelValues(step.Simulator.Name).Inc()
			r.metrics.TimestepDuration.WithLabelValues(step.Simulator.Name).Observe(elapsed.Seconds())
		}

		// A simulator may only overwrite component names it declared
		// as output; surplus writes are dropped and counted as a
		// diagnostic rather than silently accepted.
		filtered, dropped := graph.FilterAllowed(output, step.Simulator.Provides())
		if dropped > 0 {
			slog.Warn("simulator wrote outside its declared output set",
				"simulation", sim.ID, "simulator", step.Simulator.Name, "dropped_writes", dropped)
			if r.metrics != nil {
				r.metrics.SurplusWritesTotal.WithLabelValues(step.Simulator.Name).Add(float64(dropped))
			}
		}

		// Every retained value must conform to the structure the
		// simulator declared at registration; a mismatch is a protocol
		// violation that fails the simulation before the bad value can
		// reach the successor frame.
		if err := graph.ValidateAgainst(filtered, step.Simulator.Catalogue()); err != nil {
			if r.metrics != nil {
				r.metrics.ProtocolViolations.WithLabelValues(step.Simulator.Name).Inc()
			}
			return fmt.Errorf("simulator %q returned an invalid graph; %w", step.Simulator.Name, err)
		}

		current = graph.Merge(current, filtered)
	}

	seq++

	if err := r.buffer.EnqueueFrame(sim.ID, seq, current); err != nil {
		return err
	}

	sim.mu.Lock()
	sim.graph = current
	sim.seq = seq
	sim.mu.Unlock()

	return nil
}

// simulatorCallError classifies a failed simulator call: a call that
// missed its deadline is reported with a status-info text beginning
// with SimulatorTimeout, everything else as a protocol/transport
// failure.
func simulatorCallError(simulatorName, phase string, callCtx context.Context, cause error) error {
	if callCtx.Err() == context.DeadlineExceeded {
		return simerr.New(simerr.KindTimeout,
			fmt.Sprintf("SimulatorTimeout: simulator %q did not respond to %s within %s", simulatorName, phase, CallTimeout), cause)
	}
	return fmt.Errorf("simulator %q %s failed; %w", simulatorName, phase, cause)
}

func (r *Runner) fail(sim *Simulation, cause error) error {
	info := simerr.StatusInfo(cause)
	sim.setStatus(storage.StatusFailed, info)
	if err := r.buffer.EnqueueStatus(sim.ID, storage.StatusFailed, info); err != nil {
		slog.Warn("failed to record failed status", "simulation", sim.ID, "error", err)
	}
	slog.Error("simulation failed", "simulation", sim.ID, "error", cause)
	return simerr.New(simerr.KindProtocol, fmt.Sprintf("simulation %q failed", sim.ID), cause)
}
