// Package frontend is the manager's front-end API: the
// operator-facing surface for creating simulations, listing and
// inspecting their state, fetching persisted frames, and watching a
// simulation's status until it reaches a terminal state. Plain
// net/http + ServeMux with JSON bodies; the watch endpoint streams
// newline-delimited JSON.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/dbbuffer"
	"github.com/simfleet/manager/internal/graph"
	"github.com/simfleet/manager/internal/registry"
	"github.com/simfleet/manager/internal/runner"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/storage"
)

// Store is the subset of *storage.Store the front-end reads and
// writes, split out so handler tests can substitute a fake.
type Store interface {
	CreateSimulation(ctx context.Context, id, name string, maxSteps int, deltaTime time.Duration, simulators []string) error
	GetSimulation(ctx context.Context, id string) (storage.SimulationRecord, error)
	ListSimulations(ctx context.Context) ([]storage.SimulationRecord, error)
	GetFrame(ctx context.Context, simulationID string, seq int) (graph.Graph, error)
}

// Server is the manager's front-end HTTP API.
type Server struct {
	registry *registry.Registry
	runner   *runner.Runner
	store    Store
	buffer   *dbbuffer.Buffer
	mux      *http.ServeMux
}

// New wires a Server over the manager's core components. buffer is the
// same database buffer the runner drains timesteps through: the
// front-end persists iteration 0 (the user-supplied initial frame) the
// same way, so its durability follows the single-writer pipeline
// rather than a second ad hoc write path.
func New(reg *registry.Registry, run *runner.Runner, store Store, buffer *dbbuffer.Buffer) *Server {
	s := &Server{registry: reg, runner: run, store: store, buffer: buffer, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /simulations", s.handleCreate)
	s.mux.HandleFunc("GET /simulations", s.handleList)
	s.mux.HandleFunc("GET /simulations/{id}", s.handleGet)
	s.mux.HandleFunc("GET /simulations/{id}/frames/{seq}", s.handleGetFrame)
	s.mux.HandleFunc("GET /simulations/{id}/watch", s.handleWatch)
	s.mux.HandleFunc("GET /simulators", s.handleListSimulators)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// NodeView is the JSON shape of one graph node.
type NodeView struct {
	Lon        float64            `json:"lon"`
	Lat        float64            `json:"lat"`
	Components graph.ComponentSet `json:"components"`
}

// EdgeView is the JSON shape of one graph edge.
type EdgeView struct {
	From       string             `json:"from"`
	To         string             `json:"to"`
	Components graph.ComponentSet `json:"components"`
}

// CreateRequest describes a new simulation: its name, the initial
// graph, and how to pick its simulators — either an explicit ordered
// list of registered simulator ids, or a set of component names the
// registry covers by itself.
type CreateRequest struct {
	Name               string              `json:"name"`
	SimulatorIDs       []string            `json:"simulator_ids,omitempty"`
	RequiredComponents []string            `json:"required_components,omitempty"`
	Nodes              map[string]NodeView `json:"nodes"`
	Edges              map[string]EdgeView `json:"edges,omitempty"`
	Globals            graph.ComponentSet  `json:"globals,omitempty"`
	MaxSteps           int                 `json:"max_steps"`
	DeltaTimeSeconds   float64             `json:"delta_time_seconds"`
}

type CreateResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body; %w", err))
		return
	}

	initial := graph.New()
	for nodeID, n := range req.Nodes {
		cs := n.Components
		if cs == nil {
			cs = graph.ComponentSet{}
		}
		initial.Nodes[graph.NodeID(nodeID)] = graph.Node{Lon: n.Lon, Lat: n.Lat, Components: cs}
	}
	for edgeID, e := range req.Edges {
		cs := e.Components
		if cs == nil {
			cs = graph.ComponentSet{}
		}
		initial.Edges[graph.EdgeID(edgeID)] = graph.Edge{From: graph.NodeID(e.From), To: graph.NodeID(e.To), Components: cs}
	}
	for name, v := range req.Globals {
		initial.Globals[name] = v
	}

	if err := initial.CheckEdgeRefs(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	plan, err := s.buildPlan(req, initial)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if simerr.Is(err, simerr.KindNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	// The initial graph must validate against the structures the
	// selected simulators advertised: unknown component names are a
	// fatal parse error, not something to discover mid-simulation.
	if err := graph.ValidateAgainst(initial, planCatalogue(plan)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := uuid.New().String()
	deltaTime := time.Duration(req.DeltaTimeSeconds * float64(time.Second))

	simulators := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		simulators = append(simulators, step.Simulator.ID.String())
	}

	if err := s.store.CreateSimulation(r.Context(), id, req.Name, req.MaxSteps, deltaTime, simulators); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Iteration 0 is the user-supplied initial frame;
	// the runner's own loop only ever persists iterations >= 1, so it
	// is recorded here, through the same durability pipeline.
	if err := s.buffer.EnqueueFrame(id, 0, initial); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// The simulation outlives this request: detach its context so the
	// runner goroutine is not cancelled the moment the response is
	// written.
	if _, err := s.runner.Launch(context.WithoutCancel(r.Context()), id, req.Name, plan, initial, deltaTime, req.MaxSteps); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateResponse{ID: id})
}

// buildPlan resolves the simulators for a new simulation: an explicit
// simulator_ids list is honored in the order given; otherwise the
// registry picks by required-component coverage.
func (s *Server) buildPlan(req CreateRequest, initial graph.Graph) (registry.Plan, error) {
	available := availableComponents(initial)

	if len(req.SimulatorIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(req.SimulatorIDs))
		for _, raw := range req.SimulatorIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return registry.Plan{}, fmt.Errorf("invalid simulator id %q; %w", raw, err)
			}
			ids = append(ids, id)
		}
		return s.registry.PlanFor(ids, available)
	}

	return s.registry.BuildPlan(req.RequiredComponents, available)
}

// planCatalogue unions the structure catalogues of every simulator in
// the plan. Plan construction does not check that simulators sharing a
// component name declare the same structure for it; where they differ,
// the later simulator's declaration wins here.
func planCatalogue(plan registry.Plan) map[string]component.Spec {
	out := make(map[string]component.Spec)
	for _, step := range plan.Steps {
		for name, spec := range step.Simulator.Catalogue() {
			out[name] = spec
		}
	}
	return out
}

// SimulationView is the JSON shape of one simulation's metadata.
type SimulationView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	StatusInfo       string    `json:"status_info,omitempty"`
	Seq              int       `json:"seq"`
	MaxSteps         int       `json:"max_steps"`
	DeltaTimeSeconds float64   `json:"delta_time_seconds"`
	Simulators       []string  `json:"simulators,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Server) viewOf(rec storage.SimulationRecord) SimulationView {
	seq := 0
	if sim, ok := s.runner.Get(rec.ID); ok {
		_, _, seq = sim.Snapshot()
	}
	return SimulationView{
		ID:               rec.ID,
		Name:             rec.Name,
		Status:           string(rec.Status),
		StatusInfo:       rec.StatusInfo,
		Seq:              seq,
		MaxSteps:         rec.MaxSteps,
		DeltaTimeSeconds: rec.DeltaTime.Seconds(),
		Simulators:       rec.Simulators,
		CreatedAt:        rec.CreatedAt,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListSimulations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]SimulationView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.viewOf(rec))
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSimulation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, simerr.ErrSimulationNotFound)
		return
	}

	writeJSON(w, http.StatusOK, s.viewOf(rec))
}

// SimulatorView is the JSON shape of one registered simulator.
type SimulatorView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
	Output   []string `json:"output,omitempty"`
}

func (s *Server) handleListSimulators(w http.ResponseWriter, r *http.Request) {
	handles := s.registry.List()
	views := make([]SimulatorView, 0, len(handles))
	for _, h := range handles {
		views = append(views, SimulatorView{
			ID:       h.ID.String(),
			Name:     h.Name,
			Required: h.Info.Required,
			Optional: h.Info.Optional,
			Output:   h.Info.Output,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// FrameResponse is the JSON shape of one persisted timestep frame.
type FrameResponse struct {
	Seq     int                 `json:"seq"`
	Nodes   map[string]NodeView `json:"nodes"`
	Edges   map[string]EdgeView `json:"edges"`
	Globals graph.ComponentSet  `json:"globals"`
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid frame sequence; %w", err))
		return
	}

	g, err := s.store.GetFrame(r.Context(), id, seq)
	if err != nil {
		writeError(w, http.StatusNotFound, simerr.ErrFrameNotFound)
		return
	}
	if len(g.Nodes) == 0 && len(g.Edges) == 0 && len(g.Globals) == 0 {
		writeError(w, http.StatusNotFound, simerr.ErrFrameNotFound)
		return
	}

	writeJSON(w, http.StatusOK, frameFromGraph(seq, g))
}

// WatchEvent is one entry in a WatchSimulation stream: a status
// change, with the sequence number of the most recently completed
// timestep at the moment the change was observed.
type WatchEvent struct {
	Status     string `json:"status"`
	StatusInfo string `json:"status_info,omitempty"`
	Seq        int    `json:"seq"`
}

// handleWatch streams one JSON-encoded WatchEvent per line as the
// simulation's recorded status changes, until a terminal status
// (Finished or Failed) or client disconnect. Status is read from the
// database, not from the runner — the stream reports durable state,
// exactly what a reader of the frame tables will observe.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.store.GetSimulation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, simerr.ErrSimulationNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	enc := json.NewEncoder(w)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	emit := func(rec storage.SimulationRecord) {
		seq := 0
		if sim, ok := s.runner.Get(rec.ID); ok {
			_, _, seq = sim.Snapshot()
		}
		_ = enc.Encode(WatchEvent{Status: string(rec.Status), StatusInfo: rec.StatusInfo, Seq: seq})
		flusher.Flush()
	}

	last := rec.Status
	emit(rec)

	for {
		if last == storage.StatusFinished || last == storage.StatusFailed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, err := s.store.GetSimulation(ctx, id)
		if err != nil {
			return
		}
		if rec.Status != last {
			last = rec.Status
			emit(rec)
		}
	}
}

// availableComponents collects the distinct component names already
// present anywhere in the initial graph (nodes, edges, globals), the
// "available" set plan construction checks each candidate simulator's
// required inputs against.
func availableComponents(g graph.Graph) []string {
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		for name := range n.Components {
			seen[name] = true
		}
	}
	for _, e := range g.Edges {
		for name := range e.Components {
			seen[name] = true
		}
	}
	for name := range g.Globals {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func frameFromGraph(seq int, g graph.Graph) FrameResponse {
	nodes := make(map[string]NodeView, len(g.Nodes))
	for nodeID, n := range g.Nodes {
		nodes[string(nodeID)] = NodeView{Lon: n.Lon, Lat: n.Lat, Components: n.Components}
	}
	edges := make(map[string]EdgeView, len(g.Edges))
	for edgeID, e := range g.Edges {
		edges[string(edgeID)] = EdgeView{From: string(e.From), To: string(e.To), Components: e.Components}
	}
	return FrameResponse{Seq: seq, Nodes: nodes, Edges: edges, Globals: g.Globals}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
