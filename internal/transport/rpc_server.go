package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
)

// SimulatorBackend is implemented by internal/simframework: the logic a
// simulator runs in response to each of the three manager-initiated
// calls.
type SimulatorBackend interface {
	GetComponentInfo(ctx context.Context) ([]component.Spec, component.ComponentsInfo, error)
	SetupSimulation(ctx context.Context, initial graph.Graph, deltaTime time.Duration) error
	DoTimestep(ctx context.Context, input graph.Graph) (graph.Graph, error)
}

// simulatorService adapts a SimulatorBackend to net/rpc's calling
// convention. context.Background() stands in for the request context:
// net/rpc has no per-call context support, so cancellation of a single
// in-flight call is the caller's (manager's) responsibility: its client
// stops waiting for the reply when the call's context ends.
type simulatorService struct {
	backend SimulatorBackend
}

func (s *simulatorService) GetComponentInfo(args GetComponentInfoArgs, reply *GetComponentInfoReply) error {
	components, info, err := s.backend.GetComponentInfo(context.Background())
	if err != nil {
		return err
	}
	reply.Components = components
	reply.Info = info
	return nil
}

func (s *simulatorService) SetupSimulation(args SetupSimulationArgs, reply *SetupSimulationReply) error {
	return s.backend.SetupSimulation(context.Background(), args.Initial, time.Duration(args.DeltaTimeNanos))
}

func (s *simulatorService) DoTimestep(args DoTimestepArgs, reply *DoTimestepReply) error {
	out, err := s.backend.DoTimestep(context.Background(), args.Input)
	if err != nil {
		return err
	}
	reply.Output = out
	return nil
}

// SimulatorServer listens for the manager's calls on behalf of one
// simulator process.
type SimulatorServer struct {
	listener net.Listener
	rpc      *rpc.Server
}

// NewSimulatorServer binds a listener on bind (host:port, port 0 picks
// an ephemeral port) and registers backend to answer manager calls.
func NewSimulatorServer(bind string, backend SimulatorBackend) (*SimulatorServer, error) {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to bind simulator server on %q; %w", bind, err)
	}

	server := rpc.NewServer()
	if err := server.RegisterName("Simulator", &simulatorService{backend: backend}); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to register simulator service; %w", err)
	}

	return &SimulatorServer{listener: listener, rpc: server}, nil
}

// Addr returns the address the server is actually bound to, suitable
// for advertising in the Register call.
func (s *SimulatorServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks accepting connections until the listener is closed.
func (s *SimulatorServer) Serve() {
	s.rpc.Accept(s.listener)
}

// Close stops accepting new connections.
func (s *SimulatorServer) Close() error {
	return s.listener.Close()
}
