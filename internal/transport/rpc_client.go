package transport

import (
	"context"
	"fmt"
	"net/rpc"
	"time"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
)

// rpcSimulatorConn is the manager-side SimulatorConn implementation: it
// dials the address a simulator advertised at Register time and issues
// synchronous net/rpc calls, honoring ctx cancellation via rpc.Client.Go
// since net/rpc itself has no context awareness.
type rpcSimulatorConn struct {
	client *rpc.Client
}

// DialSimulator connects to a simulator's advertised RPC address.
func DialSimulator(ctx context.Context, addr string) (SimulatorConn, error) {
	type result struct {
		client *rpc.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		client, err := rpc.Dial("tcp", addr)
		done <- result{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dialing simulator at %q; %w", addr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to dial simulator at %q; %w", addr, r.err)
		}
		return &rpcSimulatorConn{client: r.client}, nil
	}
}

func (c *rpcSimulatorConn) call(ctx context.Context, method string, args, reply any) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}

func (c *rpcSimulatorConn) GetComponentInfo(ctx context.Context) ([]component.Spec, component.ComponentsInfo, error) {
	var reply GetComponentInfoReply
	if err := c.call(ctx, "Simulator.GetComponentInfo", GetComponentInfoArgs{}, &reply); err != nil {
		return nil, component.ComponentsInfo{}, err
	}
	return reply.Components, reply.Info, nil
}

func (c *rpcSimulatorConn) SetupSimulation(ctx context.Context, initial graph.Graph, deltaTime time.Duration) error {
	var reply SetupSimulationReply
	return c.call(ctx, "Simulator.SetupSimulation", SetupSimulationArgs{
		Initial:        initial,
		DeltaTimeNanos: uint64(deltaTime.Nanoseconds()),
	}, &reply)
}

func (c *rpcSimulatorConn) DoTimestep(ctx context.Context, input graph.Graph) (graph.Graph, error) {
	var reply DoTimestepReply
	if err := c.call(ctx, "Simulator.DoTimestep", DoTimestepArgs{Input: input}, &reply); err != nil {
		return graph.Graph{}, err
	}
	return reply.Output, nil
}

func (c *rpcSimulatorConn) Close() error {
	return c.client.Close()
}
