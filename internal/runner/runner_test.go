package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/dbbuffer"
	"github.com/simfleet/manager/internal/graph"
	"github.com/simfleet/manager/internal/registry"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/storage"
	"github.com/simfleet/manager/internal/transport"
)

type fakeConn struct {
	name       string
	mu         sync.Mutex
	calls      []string
	failSetup  bool
	failStep   bool
	hangSetup  bool
	hangStep   bool
	writes     func(input graph.Graph) graph.Graph
}

func (f *fakeConn) GetComponentInfo(ctx context.Context) ([]component.Spec, component.ComponentsInfo, error) {
	return nil, component.ComponentsInfo{}, nil
}

func (f *fakeConn) SetupSimulation(ctx context.Context, initial graph.Graph, deltaTime time.Duration) error {
	if f.hangSetup {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failSetup {
		return fmt.Errorf("setup failed")
	}
	return nil
}

func (f *fakeConn) DoTimestep(ctx context.Context, input graph.Graph) (graph.Graph, error) {
	f.mu.Lock()
	f.calls = append(f.calls, f.name)
	f.mu.Unlock()

	if f.hangStep {
		<-ctx.Done()
		return graph.Graph{}, ctx.Err()
	}
	if f.failStep {
		return graph.Graph{}, fmt.Errorf("step failed")
	}
	if f.writes != nil {
		return f.writes(input), nil
	}
	return graph.New(), nil
}

func (f *fakeConn) Close() error { return nil }

type fakeStore struct {
	mu       sync.Mutex
	frames   int
	statuses []string
}

func (f *fakeStore) InsertFrame(ctx context.Context, simulationID string, seq int, g graph.Graph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status storage.Status, info string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, info)
	return nil
}

func nodeSpec(name string, structure component.Structure) component.Spec {
	return component.Spec{Name: name, Role: component.RoleNode, Structure: structure}
}

// outputHandle builds a plan entry whose declared output set and
// structure catalogue both come from specs.
func outputHandle(name string, conn transport.SimulatorConn, specs ...component.Spec) registry.Handle {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return registry.Handle{Name: name, Conn: conn, Components: specs, Info: component.ComponentsInfo{Output: names}}
}

func newTestRunner(t *testing.T) (*Runner, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	buf := dbbuffer.New(store, 64)
	buf.Start(context.Background())
	t.Cleanup(buf.Close)
	return New(buf, nil), store
}

func TestRunner_PlanOrderIsRespected(t *testing.T) {
	r, _ := newTestRunner(t)

	var order []string
	var mu sync.Mutex
	recordOrder := func(name string) func(graph.Graph) graph.Graph {
		return func(g graph.Graph) graph.Graph {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return graph.New()
		}
	}

	first := &fakeConn{name: "first", writes: recordOrder("first")}
	second := &fakeConn{name: "second", writes: recordOrder("second")}

	plan := registry.Plan{Steps: []registry.Step{
		{Simulator: registry.Handle{Name: "first", Conn: first}},
		{Simulator: registry.Handle{Name: "second", Conn: second}},
	}}

	sim, err := r.Launch(context.Background(), "sim-1", "test", plan, graph.New(), time.Second, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunner_SimulatorFailureIsolatesOnlyThatSimulation(t *testing.T) {
	r, _ := newTestRunner(t)

	healthy := &fakeConn{name: "healthy"}
	failing := &fakeConn{name: "failing", failStep: true}

	healthyPlan := registry.Plan{Steps: []registry.Step{{Simulator: registry.Handle{Name: "healthy", Conn: healthy}}}}
	failingPlan := registry.Plan{Steps: []registry.Step{{Simulator: registry.Handle{Name: "failing", Conn: failing}}}}

	healthySim, err := r.Launch(context.Background(), "sim-ok", "ok", healthyPlan, graph.New(), time.Second, 1)
	require.NoError(t, err)
	failingSim, err := r.Launch(context.Background(), "sim-bad", "bad", failingPlan, graph.New(), time.Second, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := failingSim.Snapshot()
		return status == storage.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, status, _ := healthySim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_IterationCountMatchesMaxSteps(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = time.Millisecond

	conn := &fakeConn{name: "sim"}
	plan := registry.Plan{Steps: []registry.Step{{Simulator: registry.Handle{Name: "sim", Conn: conn}}}}

	sim, err := r.Launch(context.Background(), "sim-n", "n", plan, graph.New(), time.Second, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.calls, 3)
}

func TestRunner_CancelFailsSimulation(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = 50 * time.Millisecond

	conn := &fakeConn{name: "sim"}
	plan := registry.Plan{Steps: []registry.Step{{Simulator: registry.Handle{Name: "sim", Conn: conn}}}}

	sim, err := r.Launch(context.Background(), "sim-cancel", "n", plan, graph.New(), time.Second, 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	r.Cancel("sim-cancel")

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_SimulatorTimeout_FailsWithReasonPrefix(t *testing.T) {
	r, store := newTestRunner(t)
	orig := CallTimeout
	CallTimeout = 20 * time.Millisecond
	t.Cleanup(func() { CallTimeout = orig })

	conn := &fakeConn{name: "slow", hangStep: true}
	plan := registry.Plan{Steps: []registry.Step{{Simulator: registry.Handle{Name: "slow", Conn: conn}}}}

	sim, err := r.Launch(context.Background(), "sim-slow", "slow", plan, graph.New(), time.Second, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	var found bool
	for _, info := range store.statuses {
		if len(info) >= len("SimulatorTimeout") && info[:len("SimulatorTimeout")] == "SimulatorTimeout" {
			found = true
		}
	}
	require.True(t, found, "expected a status-info beginning with SimulatorTimeout, got %v", store.statuses)
}

// The following mirror the end-to-end scenarios named S1-S6.

func TestScenario_S1_IdentityStep(t *testing.T) {
	r, store := newTestRunner(t)
	StepInterval = time.Millisecond

	identity := &fakeConn{name: "identity", writes: func(g graph.Graph) graph.Graph { return g }}
	handle := outputHandle("identity", identity, nodeSpec("temperature_c", component.Float()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handle}}}

	initial := graph.New()
	initial.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"temperature_c": component.FloatValue(10.0)}}

	sim, err := r.Launch(context.Background(), "s1", "identity", plan, initial, time.Second, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	g, _, seq := sim.Snapshot()
	require.Equal(t, 3, seq)
	require.Equal(t, component.FloatValue(10.0), g.Nodes["n1"].Components["temperature_c"])

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.frames == 3
	}, 2*time.Second, 10*time.Millisecond, "frame 0 is the initial frame persisted at creation time, not by the runner")
}

func TestScenario_S2_SingleOwnerMutation(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = time.Millisecond

	var seq int64
	clock := &fakeConn{name: "clock", writes: func(g graph.Graph) graph.Graph {
		seq++
		out := graph.New()
		out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"time_s": component.IntValue(seq)}}
		return out
	}}
	handle := outputHandle("clock", clock, nodeSpec("time_s", component.UInt64()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handle}}}

	initial := graph.New()
	initial.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"time_s": component.IntValue(0)}}

	sim, err := r.Launch(context.Background(), "s2", "clock", plan, initial, time.Second, 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	g, _, _ := sim.Snapshot()
	require.Equal(t, component.IntValue(5), g.Nodes["n1"].Components["time_s"])
}

func TestScenario_S3_CarryOverAcrossDisjointOwners(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = time.Millisecond

	a := &fakeConn{name: "A", writes: func(g graph.Graph) graph.Graph {
		temp := g.Nodes["n1"].Components["temperature"].Prim.(float64)
		out := graph.New()
		out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"temperature": component.FloatValue(temp + 1.0)}}
		return out
	}}
	b := &fakeConn{name: "B", writes: func(g graph.Graph) graph.Graph {
		pressure := g.Nodes["n1"].Components["pressure"].Prim.(float64)
		out := graph.New()
		out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"pressure": component.FloatValue(pressure * 2.0)}}
		return out
	}}
	handleA := outputHandle("A", a, nodeSpec("temperature", component.Float()))
	handleB := outputHandle("B", b, nodeSpec("pressure", component.Float()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handleA}, {Simulator: handleB}}}

	initial := graph.New()
	initial.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{
		"temperature": component.FloatValue(5.0),
		"pressure":    component.FloatValue(1.0),
	}}

	sim, err := r.Launch(context.Background(), "s3", "carryover", plan, initial, time.Second, 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	g, _, _ := sim.Snapshot()
	require.Equal(t, component.FloatValue(7.0), g.Nodes["n1"].Components["temperature"])
	require.Equal(t, component.FloatValue(4.0), g.Nodes["n1"].Components["pressure"])
}

func TestScenario_S4_OrderObservability(t *testing.T) {
	run := func(plan registry.Plan) graph.Graph {
		r, _ := newTestRunner(t)
		StepInterval = time.Millisecond

		initial := graph.New()
		initial.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{
			"temp":     component.FloatValue(5.0),
			"pressure": component.FloatValue(1.0),
		}}

		sim, err := r.Launch(context.Background(), "s4", "order", plan, initial, time.Second, 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, status, _ := sim.Snapshot()
			return status == storage.StatusFinished
		}, 2*time.Second, 10*time.Millisecond)

		g, _, _ := sim.Snapshot()
		return g
	}

	newA := func() registry.Handle {
		a := &fakeConn{name: "A", writes: func(g graph.Graph) graph.Graph {
			temp := g.Nodes["n1"].Components["temp"].Prim.(float64)
			out := graph.New()
			out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"temp": component.FloatValue(temp + 1.0)}}
			return out
		}}
		return outputHandle("A", a, nodeSpec("temp", component.Float()))
	}
	newB := func() registry.Handle {
		b := &fakeConn{name: "B", writes: func(g graph.Graph) graph.Graph {
			out := graph.New()
			out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"pressure": g.Nodes["n1"].Components["temp"]}}
			return out
		}}
		return outputHandle("B", b, nodeSpec("pressure", component.Float()))
	}

	abPlan := registry.Plan{Steps: []registry.Step{{Simulator: newA()}, {Simulator: newB()}}}
	g := run(abPlan)
	require.Equal(t, component.FloatValue(6.0), g.Nodes["n1"].Components["temp"])
	require.Equal(t, component.FloatValue(6.0), g.Nodes["n1"].Components["pressure"],
		"B observes A's write within the same timestep when A precedes B in plan order")

	baPlan := registry.Plan{Steps: []registry.Step{{Simulator: newB()}, {Simulator: newA()}}}
	g = run(baPlan)
	require.Equal(t, component.FloatValue(6.0), g.Nodes["n1"].Components["temp"])
	require.Equal(t, component.FloatValue(5.0), g.Nodes["n1"].Components["pressure"],
		"B observes the pre-step value of temp when B precedes A in plan order")
}

func TestScenario_S5_ConflictingOutputsRejectedBeforeFirstIteration(t *testing.T) {
	a := registry.Handle{Name: "A", Info: component.ComponentsInfo{Output: []string{"temp"}}}
	b := registry.Handle{Name: "B", Info: component.ComponentsInfo{Output: []string{"temp"}}}

	_, err := registry.BuildPlan([]registry.Handle{a, b}, []string{"temp"}, []string{"temp"})
	require.Error(t, err)
	require.True(t, simerr.Is(err, simerr.KindUnsatisfiable))
}

func TestScenario_S6_TimeoutFailsSimulationNoFurtherFramesPersisted(t *testing.T) {
	r, store := newTestRunner(t)
	StepInterval = time.Millisecond
	orig := CallTimeout
	CallTimeout = 20 * time.Millisecond
	t.Cleanup(func() { CallTimeout = orig })

	slow := &fakeConn{name: "slow", hangStep: true}
	handle := outputHandle("slow", slow, nodeSpec("x", component.Float()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handle}}}

	sim, err := r.Launch(context.Background(), "s6", "slow", plan, graph.New(), time.Second, 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 0, store.frames, "the hung call's iteration must not be persisted")
}

func TestRunner_SurplusWritesAreDroppedNotMerged(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = time.Millisecond

	greedy := &fakeConn{name: "greedy", writes: func(g graph.Graph) graph.Graph {
		out := graph.New()
		out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{
			"allowed":    component.IntValue(1),
			"not_output": component.IntValue(99),
		}}
		return out
	}}
	handle := outputHandle("greedy", greedy, nodeSpec("allowed", component.Int()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handle}}}

	sim, err := r.Launch(context.Background(), "surplus", "greedy", plan, graph.New(), time.Second, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	g, _, _ := sim.Snapshot()
	require.Equal(t, component.IntValue(1), g.Nodes["n1"].Components["allowed"])
	_, hasSurplus := g.Nodes["n1"].Components["not_output"]
	require.False(t, hasSurplus, "a write outside the simulator's declared output set must be dropped")
}

func TestSimulatorCallError_ClassifiesDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := simulatorCallError("sim", "timestep", ctx, context.DeadlineExceeded)
	require.True(t, simerr.Is(err, simerr.KindTimeout))
	require.Contains(t, err.Error(), "SimulatorTimeout")
}

func TestRunner_InvalidOutputStructureFailsSimulation(t *testing.T) {
	r, _ := newTestRunner(t)
	StepInterval = time.Millisecond

	liar := &fakeConn{name: "liar", writes: func(g graph.Graph) graph.Graph {
		out := graph.New()
		out.Nodes["n1"] = graph.Node{Components: graph.ComponentSet{"temp": component.StringValue("not a float")}}
		return out
	}}
	handle := outputHandle("liar", liar, nodeSpec("temp", component.Float()))
	plan := registry.Plan{Steps: []registry.Step{{Simulator: handle}}}

	sim, err := r.Launch(context.Background(), "sim-liar", "liar", plan, graph.New(), time.Second, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, status, _ := sim.Snapshot()
		return status == storage.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}
