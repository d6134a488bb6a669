package transport

import (
	"github.com/google/uuid"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
)

// Request/reply pairs for the net/rpc bindings. net/rpc requires
// exported methods of the exact shape func(Args, *Reply) error, so
// every call below gets its own pair rather than sharing generic
// envelopes.

type GetComponentInfoArgs struct{}

type GetComponentInfoReply struct {
	Components []component.Spec
	Info       component.ComponentsInfo
}

type SetupSimulationArgs struct {
	Initial        graph.Graph
	DeltaTimeNanos uint64
}

type SetupSimulationReply struct{}

type DoTimestepArgs struct {
	Input graph.Graph
}

type DoTimestepReply struct {
	Output graph.Graph
}

// RegisterArgs deliberately carries no component declarations: the
// manager dials the advertised address back and fetches them via
// GetComponentInfo, so the registry only ever records what a live,
// reachable simulator actually answers.
type RegisterArgs struct {
	Name          string
	SimulatorAddr string
}

type RegisterReply struct {
	ID uuid.UUID
}
