// Package simframework is the library every simulator binary embeds. It
// owns the register-then-serve lifecycle: bind a listener,
// register its name and address with the manager, then answer
// GetComponentInfo/SetupSimulation/DoTimestep calls for as long as the process
// runs. The per-simulator behavior is supplied by the embedding binary
// as a Constructor and a Step function; the framework is otherwise
// identical across every simulator.
package simframework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/transport"
)

// Constructor initializes a simulator's private state from the initial
// graph and delta-time-per-step it was handed at SetupSimulation
// time.
type Constructor func(ctx context.Context, deltaTime time.Duration, initial graph.Graph) (State, error)

// StepFunc advances a simulator's state by one timestep and returns
// the component values it wrote this round.
type StepFunc func(ctx context.Context, state State, input graph.Graph) (graph.Graph, error)

// State is opaque per-simulator data carried between timesteps.
type State any

// Config declares one simulator's identity, the shape of the
// components it reads and writes, and its behavior hooks.
type Config struct {
	// Name identifies this simulator to the registry (not required to
	// be unique — the registry assigns a uuid regardless).
	Name string
	// Bind is the local address the simulator listens on for
	// manager-initiated calls, e.g. "0.0.0.0:0" to pick an ephemeral
	// port. If the advertised address differs from Bind (behind NAT),
	// set AdvertiseAddr.
	Bind string
	// AdvertiseAddr, if set, is sent to the manager instead of the
	// bound listener's own address string.
	AdvertiseAddr string
	// ManagerAddr is the manager's registrar address
	// (SIMULATOR_MANAGER_ADDR).
	ManagerAddr string
	// Components is this simulator's declared structure catalogue.
	Components []component.Spec
	// Info classifies Components into required/optional input and
	// output.
	Info component.ComponentsInfo
	// NewState constructs per-simulation state.
	NewState Constructor
	// Step advances state by one timestep.
	Step StepFunc

	// RegisterMinBackoff/MaxBackoff bound the retry delay if the
	// initial registration call to the manager fails (manager not up
	// yet at simulator start).
	RegisterMinBackoff time.Duration
	RegisterMaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegisterMinBackoff == 0 {
		c.RegisterMinBackoff = time.Second
	}
	if c.RegisterMaxBackoff == 0 {
		c.RegisterMaxBackoff = 30 * time.Second
	}
	return c
}

// Runtime is a running simulator instance: one SimulatorServer plus
// whatever state the current simulation's Constructor produced.
type Runtime struct {
	cfg       Config
	state     State
	active    bool
	deltaTime time.Duration
}

// NewRuntime validates cfg and returns a Runtime ready to Run.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("simulator config missing Name")
	}
	if cfg.NewState == nil || cfg.Step == nil {
		return nil, fmt.Errorf("simulator config missing NewState or Step hook")
	}
	return &Runtime{cfg: cfg.withDefaults()}, nil
}

// Run binds the simulator's server, registers with the manager
// (retrying with backoff until ctx is cancelled or registration
// succeeds), then serves manager calls until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	server, err := transport.NewSimulatorServer(rt.cfg.Bind, rt)
	if err != nil {
		return fmt.Errorf("starting simulator %q; %w", rt.cfg.Name, err)
	}
	defer server.Close()

	go server.Serve()

	advertise := rt.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = server.Addr()
	}

	if err := rt.registerWithBackoff(ctx, advertise); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func (rt *Runtime) registerWithBackoff(ctx context.Context, advertise string) error {
	backoff := rt.cfg.RegisterMinBackoff

	for {
		id, err := transport.RegisterWithManager(ctx, rt.cfg.ManagerAddr, transport.RegisterArgs{
			Name:          rt.cfg.Name,
			SimulatorAddr: advertise,
		})
		if err == nil {
			slog.Info("simulator registered with manager", "name", rt.cfg.Name, "id", id, "addr", advertise)
			return nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}

		slog.Warn("registration failed, retrying", "name", rt.cfg.Name, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > rt.cfg.RegisterMaxBackoff {
			backoff = rt.cfg.RegisterMaxBackoff
		}
	}
}

// GetComponentInfo implements transport.SimulatorBackend.
func (rt *Runtime) GetComponentInfo(ctx context.Context) ([]component.Spec, component.ComponentsInfo, error) {
	return rt.cfg.Components, rt.cfg.Info, nil
}

// SetupSimulation implements transport.SimulatorBackend.
func (rt *Runtime) SetupSimulation(ctx context.Context, initial graph.Graph, deltaTime time.Duration) error {
	state, err := rt.cfg.NewState(ctx, deltaTime, initial)
	if err != nil {
		return fmt.Errorf("simulator %q setup failed; %w", rt.cfg.Name, err)
	}
	rt.state = state
	rt.deltaTime = deltaTime
	rt.active = true
	return nil
}

// DoTimestep implements transport.SimulatorBackend. It validates the
// simulator's output against its own declared Structure for every
// component it wrote, catching a simulator that violates its own
// contract before the manager ever reconciles the value into the
// graph.
func (rt *Runtime) DoTimestep(ctx context.Context, input graph.Graph) (graph.Graph, error) {
	if !rt.active {
		return graph.Graph{}, simerr.New(simerr.KindProtocol, fmt.Sprintf("simulator %q: DoTimestep called before SetupSimulation", rt.cfg.Name), nil)
	}

	output, err := rt.cfg.Step(ctx, rt.state, input)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("simulator %q timestep failed; %w", rt.cfg.Name, err)
	}

	return rt.filterOutput(output)
}

// filterOutput restricts a step's returned graph to the component
// names this simulator declared as Output; writes to other components
// are dropped with a diagnostic rather than sent. Every retained
// value is also validated against its own declared Structure, so a
// simulator that corrupts its own output never reaches the manager's
// reconciliation.
func (rt *Runtime) filterOutput(output graph.Graph) (graph.Graph, error) {
	declared := make(map[string]component.Structure, len(rt.cfg.Components))
	for _, spec := range rt.cfg.Components {
		declared[spec.Name] = spec.Structure
	}
	isOutput := make(map[string]bool, len(rt.cfg.Info.Output))
	for _, name := range rt.cfg.Info.Output {
		isOutput[name] = true
	}

	filterSet := func(cs graph.ComponentSet) (graph.ComponentSet, error) {
		out := make(graph.ComponentSet, len(cs))
		for name, v := range cs {
			if !isOutput[name] {
				slog.Warn("simulator wrote component outside its declared output set, discarding",
					"simulator", rt.cfg.Name, "component", name)
				continue
			}
			structure, ok := declared[name]
			if !ok {
				slog.Warn("simulator wrote undeclared component, discarding",
					"simulator", rt.cfg.Name, "component", name)
				continue
			}
			if err := component.Validate(structure, v); err != nil {
				return nil, fmt.Errorf("simulator %q wrote invalid %q; %w", rt.cfg.Name, name, err)
			}
			out[name] = v
		}
		return out, nil
	}

	filtered := graph.New()
	for id, n := range output.Nodes {
		fcs, err := filterSet(n.Components)
		if err != nil {
			return graph.Graph{}, err
		}
		filtered.Nodes[id] = graph.Node{Lon: n.Lon, Lat: n.Lat, Components: fcs}
	}
	for id, e := range output.Edges {
		fcs, err := filterSet(e.Components)
		if err != nil {
			return graph.Graph{}, err
		}
		filtered.Edges[id] = graph.Edge{From: e.From, To: e.To, Components: fcs}
	}
	globals, err := filterSet(output.Globals)
	if err != nil {
		return graph.Graph{}, err
	}
	filtered.Globals = globals

	return filtered, nil
}
