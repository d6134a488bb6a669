// Package transport defines the wire contract between the manager and a
// simulator and provides one concrete binding for it. The wire
// protocol is an abstract collaborator to the rest of the manager:
// everything in internal/registry, internal/runner, and
// internal/simframework depends only on the interfaces here, never on
// net/rpc directly.
//
// The concrete binding uses net/rpc with gob encoding over plain TCP:
// its request/reply shape maps directly onto the four protocol
// messages (GetComponentInfo, SetupSimulation, DoTimestep, Register),
// and swapping in a different RPC stack later touches only this
// package.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
)

// SimulatorConn is the manager's view of one registered simulator
// session: the three protocol calls plus lifecycle teardown.
type SimulatorConn interface {
	// GetComponentInfo returns the simulator's declared component set
	// and its required/optional/output classification.
	GetComponentInfo(ctx context.Context) ([]component.Spec, component.ComponentsInfo, error)
	// SetupSimulation primes the simulator with the simulation's
	// initial graph and delta-time-per-step, before any timestep is
	// requested.
	SetupSimulation(ctx context.Context, initial graph.Graph, deltaTime time.Duration) error
	// DoTimestep sends the current graph view and returns the
	// simulator's computed update for this timestep.
	DoTimestep(ctx context.Context, input graph.Graph) (graph.Graph, error)
	// Close releases the underlying connection.
	Close() error
}

// RegisterHandler is implemented by the manager side: it is invoked
// whenever a simulator dials in to register. The handler is expected
// to dial simulatorAddr back and fetch the simulator's component
// declarations before admitting it.
type RegisterHandler interface {
	HandleRegister(ctx context.Context, name, simulatorAddr string) (uuid.UUID, error)
}

// DialTimeout bounds how long a manager dial-back to a simulator's
// advertised address may take.
const DialTimeout = 5 * time.Second
