// Package registry tracks the simulators currently registered with the
// manager and turns a simulation's component requirements into an
// ordered execution Plan. State is in-memory only: the registry is
// rebuilt from scratch on every manager restart as simulators
// re-register, exactly as the reverse-dial registration protocol
// assumes.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/metrics"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/transport"
)

// Handle is everything the registry knows about one registered
// simulator: its identity, the components it declared at
// registration, and the connection used to reach it.
type Handle struct {
	ID         uuid.UUID
	Name       string
	Components []component.Spec
	Info       component.ComponentsInfo
	Conn       transport.SimulatorConn
	Registered time.Time
	seq        uint64 // registration order, for deterministic planning
}

// Provides reports the set of component names this simulator is
// permitted to write — its declared Output set, not every component
// name it merely reads.
func (h Handle) Provides() map[string]bool {
	out := make(map[string]bool, len(h.Info.Output))
	for _, name := range h.Info.Output {
		out[name] = true
	}
	return out
}

// Catalogue returns this simulator's declared structure catalogue
// keyed by component name, the form graph.ValidateAgainst consumes.
func (h Handle) Catalogue() map[string]component.Spec {
	out := make(map[string]component.Spec, len(h.Components))
	for _, spec := range h.Components {
		out[spec.Name] = spec
	}
	return out
}

// Requires reports the set of component names this simulator declares
// as required input.
func (h Handle) Requires() map[string]bool {
	out := make(map[string]bool, len(h.Info.Required))
	for _, name := range h.Info.Required {
		out[name] = true
	}
	return out
}

// Step is one entry in a Plan: the simulator to call. The manager
// never asks a simulator to write a subset of what it declared —
// ComponentsInfo is all-or-nothing per simulator.
type Step struct {
	Simulator Handle
}

// Plan is the strictly ordered sequence of simulator calls the runner
// executes once per timestep. Order is registration order among the
// simulators chosen to satisfy a simulation's requirements, unless
// the client named an explicit order via PlanFor.
type Plan struct {
	Steps []Step
}

// Registry is the manager's view of currently live simulators. All
// methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	simulators map[uuid.UUID]Handle
	nextSeq    uint64
	metrics    *metrics.Metrics
}

// New returns an empty Registry. mets may be nil to skip Prometheus
// instrumentation, e.g. in tests.
func New(mets *metrics.Metrics) *Registry {
	return &Registry{simulators: make(map[uuid.UUID]Handle), metrics: mets}
}

// Register records a newly connected simulator and returns the id
// assigned to it. The manager holds the connection; the simulator
// only ever dials in once to announce itself.
func (r *Registry) Register(ctx context.Context, name string, components []component.Spec, info component.ComponentsInfo, conn transport.SimulatorConn) (uuid.UUID, error) {
	if err := checkInfoAgainstSpecs(components, info); err != nil {
		return uuid.Nil, fmt.Errorf("simulator %q declared inconsistent component info; %w", name, err)
	}

	id := uuid.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	r.simulators[id] = Handle{
		ID:         id,
		Name:       name,
		Components: components,
		Info:       info,
		Conn:       conn,
		Registered: time.Now(),
		seq:        r.nextSeq,
	}
	if r.metrics != nil {
		r.metrics.RegisteredSimulators.Set(float64(len(r.simulators)))
	}

	return id, nil
}

// Unregister drops a simulator from the registry, e.g. after its
// connection fails or the manager is told it has shut down.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.simulators, id)
	if r.metrics != nil {
		r.metrics.RegisteredSimulators.Set(float64(len(r.simulators)))
	}
}

// List returns a snapshot of every currently registered simulator, in
// registration order — planning must be deterministic given a fixed
// registry state, so callers never see Go's randomized map order.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.simulators))
	for _, h := range r.simulators {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Get returns a single simulator handle by id.
func (r *Registry) Get(id uuid.UUID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.simulators[id]
	return h, ok
}

// BuildPlan selects, in registration order, the set of registered
// simulators whose declared Output covers every name in required, and
// returns them as an ordered Plan. available names the components
// already present in the initial graph; every chosen simulator's
// required inputs must be covered by it or by another choice's
// outputs.
func (r *Registry) BuildPlan(required, available []string) (Plan, error) {
	return BuildPlan(r.List(), required, available)
}

// PlanFor builds a Plan from an explicit, ordered list of simulator
// ids — the CreateSimulation variant where the client picks the
// simulators (and their execution order) itself instead of letting the
// registry select by component coverage. The same plan invariants
// apply: outputs must be disjoint across the chosen simulators and
// every required input must be covered by the initial graph or another
// choice's output.
func (r *Registry) PlanFor(ids []uuid.UUID, available []string) (Plan, error) {
	handles := make([]Handle, 0, len(ids))

	r.mu.RLock()
	for _, id := range ids {
		h, ok := r.simulators[id]
		if !ok {
			r.mu.RUnlock()
			return Plan{}, fmt.Errorf("building plan; simulator %s; %w", id, simerr.ErrSimulatorNotFound)
		}
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	if err := checkPlanInvariants(handles, available); err != nil {
		return Plan{}, err
	}

	steps := make([]Step, 0, len(handles))
	for _, h := range handles {
		steps = append(steps, Step{Simulator: h})
	}
	return Plan{Steps: steps}, nil
}

// BuildPlan is the pure planning function: given a snapshot of
// registered simulators (in registration order), the simulation's
// required component names, and the component names already present
// in the initial graph, it returns the ordered list of simulators
// needed to cover the requirement, or an UnsatisfiableRequirements
// error if no valid plan exists.
func BuildPlan(handles []Handle, required, available []string) (Plan, error) {
	need := make(map[string]bool, len(required))
	for _, n := range required {
		need[n] = true
	}

	var candidates []Handle
	for _, h := range handles {
		for name := range h.Provides() {
			if need[name] {
				candidates = append(candidates, h)
				break
			}
		}
	}

	if err := checkPlanInvariants(candidates, available); err != nil {
		return Plan{}, err
	}

	owner := make(map[string]bool)
	for _, h := range candidates {
		for name := range h.Provides() {
			owner[name] = true
		}
	}
	var missing []string
	for name := range need {
		if !owner[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Plan{}, simerr.New(simerr.KindUnsatisfiable,
			fmt.Sprintf("no registered simulator provides: %v", missing), nil)
	}

	steps := make([]Step, 0, len(candidates))
	for _, h := range candidates {
		steps = append(steps, Step{Simulator: h})
	}

	return Plan{Steps: steps}, nil
}

// checkPlanInvariants enforces the two properties every valid plan
// holds regardless of how its simulators were chosen: no two
// simulators claim the same output component name, and every
// simulator's required inputs are covered by the initial graph's
// components or another plan member's outputs.
func checkPlanInvariants(handles []Handle, available []string) error {
	owner := make(map[string]string)
	for _, h := range handles {
		for name := range h.Provides() {
			if prev, ok := owner[name]; ok {
				return simerr.New(simerr.KindUnsatisfiable,
					fmt.Sprintf("simulators %q and %q both declare output %q", prev, h.Name, name), nil)
			}
			owner[name] = h.Name
		}
	}

	have := make(map[string]bool, len(available)+len(owner))
	for _, n := range available {
		have[n] = true
	}
	for n := range owner {
		have[n] = true
	}
	var unmet []string
	for _, h := range handles {
		for name := range h.Requires() {
			if !have[name] {
				unmet = append(unmet, fmt.Sprintf("%s needs %s", h.Name, name))
			}
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		return simerr.New(simerr.KindUnsatisfiable,
			fmt.Sprintf("unmet simulator requirements: %v", unmet), nil)
	}

	return nil
}

// checkInfoAgainstSpecs rejects a registration whose ComponentsInfo
// names a component absent from the simulator's declared structure
// catalogue — the manager could never validate values for a component
// it has no Structure for.
func checkInfoAgainstSpecs(components []component.Spec, info component.ComponentsInfo) error {
	declared := make(map[string]bool, len(components))
	for _, spec := range components {
		declared[spec.Name] = true
	}

	for _, group := range [][]string{info.Required, info.Optional, info.Output} {
		for _, name := range group {
			if !declared[name] {
				return simerr.New(simerr.KindProtocol,
					fmt.Sprintf("component %q named in components info but not declared", name), nil)
			}
		}
	}
	return nil
}
