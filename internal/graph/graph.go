// Package graph implements the in-memory graph data model shared by every
// simulation: nodes, edges, and globals each carry a set of named
// component values. The graph is a pure value type — reconciliation
// across simulator timesteps is a pure function (Merge) so the
// orchestration runner can exercise it without any I/O.
package graph

import (
	"fmt"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/simerr"
)

// NodeID and EdgeID identify graph entities. They are opaque strings
// assigned by whatever created the initial graph (the front-end's
// CreateSimulation request).
type NodeID string
type EdgeID string

// ComponentSet maps a component name to its current value.
type ComponentSet map[string]component.Value

// Clone returns a shallow copy of the set (values are immutable trees,
// so this is sufficient for carry-over semantics).
func (c ComponentSet) Clone() ComponentSet {
	out := make(ComponentSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Node is one graph node: a geographic position plus its current
// component values. Positions are assigned by whoever submitted the
// initial graph and never change afterwards — simulators own component
// values, not geometry.
type Node struct {
	Lon        float64
	Lat        float64
	Components ComponentSet
}

// Edge attaches a ComponentSet to an ordered pair of nodes.
type Edge struct {
	From       NodeID
	To         NodeID
	Components ComponentSet
}

// Graph is the full simulation state at one point in time: every node's
// components, every edge's components, and the global component set.
type Graph struct {
	Nodes   map[NodeID]Node
	Edges   map[EdgeID]Edge
	Globals ComponentSet
}

// New returns an empty graph ready for population.
func New() Graph {
	return Graph{
		Nodes:   make(map[NodeID]Node),
		Edges:   make(map[EdgeID]Edge),
		Globals: make(ComponentSet),
	}
}

// Clone returns a deep-enough copy that mutating the result never
// affects g. component.Value trees are treated as immutable once
// constructed, so sharing them between clones is safe.
func (g Graph) Clone() Graph {
	out := New()
	for id, n := range g.Nodes {
		out.Nodes[id] = Node{Lon: n.Lon, Lat: n.Lat, Components: n.Components.Clone()}
	}
	for id, e := range g.Edges {
		out.Edges[id] = Edge{From: e.From, To: e.To, Components: e.Components.Clone()}
	}
	out.Globals = g.Globals.Clone()
	return out
}

// Merge reconciles a simulator's timestep output into the current
// graph: every component the simulator wrote overwrites the prior
// value (last-write-wins), and every component it did not touch
// carries over unchanged. Nodes and edges the update introduces that
// the base graph never saw are added outright; the update never
// removes a node or edge the base graph already had, and it never
// moves an existing node.
//
// This is the carry-over monotonicity invariant: a component's value
// only ever changes because some simulator in the plan wrote it this
// timestep, never because it silently reverted.
func Merge(base, update Graph) Graph {
	out := base.Clone()

	for id, n := range update.Nodes {
		existing, ok := out.Nodes[id]
		if !ok {
			out.Nodes[id] = Node{Lon: n.Lon, Lat: n.Lat, Components: n.Components.Clone()}
			continue
		}
		for name, v := range n.Components {
			existing.Components[name] = v
		}
		out.Nodes[id] = existing
	}

	for id, e := range update.Edges {
		existing, ok := out.Edges[id]
		if !ok {
			out.Edges[id] = Edge{From: e.From, To: e.To, Components: e.Components.Clone()}
			continue
		}
		for name, v := range e.Components {
			existing.Components[name] = v
		}
		out.Edges[id] = existing
	}

	for name, v := range update.Globals {
		out.Globals[name] = v
	}

	return out
}

// FilterAllowed restricts a simulator's returned graph to the
// component names it declared as output: a simulator may only
// overwrite component names it declared, and surplus writes are
// dropped. It returns the filtered graph and the number of dropped
// component writes across nodes, edges, and globals, so the caller
// can emit that diagnostic.
func FilterAllowed(g Graph, allowed map[string]bool) (Graph, int) {
	out := New()
	dropped := 0

	for id, n := range g.Nodes {
		kept := make(ComponentSet, len(n.Components))
		for name, v := range n.Components {
			if allowed[name] {
				kept[name] = v
			} else {
				dropped++
			}
		}
		out.Nodes[id] = Node{Lon: n.Lon, Lat: n.Lat, Components: kept}
	}

	for id, e := range g.Edges {
		kept := make(ComponentSet, len(e.Components))
		for name, v := range e.Components {
			if allowed[name] {
				kept[name] = v
			} else {
				dropped++
			}
		}
		out.Edges[id] = Edge{From: e.From, To: e.To, Components: kept}
	}

	for name, v := range g.Globals {
		if allowed[name] {
			out.Globals[name] = v
		} else {
			dropped++
		}
	}

	return out, dropped
}

// ValidateAgainst checks every component value in g against catalogue:
// an unknown component name is a fatal decode error, a component
// attached to the wrong entity kind (a global written to a node, say)
// is a role violation, and every value must conform to its declared
// structure. The manager runs this on the initial graph a client
// submits and on every graph a simulator returns, so downstream code
// only ever observes fully validated state.
func ValidateAgainst(g Graph, catalogue map[string]component.Spec) error {
	check := func(name string, v component.Value, role component.Role, where string) error {
		spec, ok := catalogue[name]
		if !ok {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("unknown component %q on %s", name, where), nil)
		}
		if spec.Role != role {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("component %q is declared as a %s component but appears on %s", name, spec.Role, where), nil)
		}
		if err := component.Validate(spec.Structure, v); err != nil {
			return fmt.Errorf("component %q on %s invalid; %w", name, where, err)
		}
		return nil
	}

	for id, n := range g.Nodes {
		for name, v := range n.Components {
			if err := check(name, v, component.RoleNode, fmt.Sprintf("node %q", id)); err != nil {
				return err
			}
		}
	}
	for id, e := range g.Edges {
		for name, v := range e.Components {
			if err := check(name, v, component.RoleEdge, fmt.Sprintf("edge %q", id)); err != nil {
				return err
			}
		}
	}
	for name, v := range g.Globals {
		if err := check(name, v, component.RoleGlobal, "globals"); err != nil {
			return err
		}
	}

	return nil
}

// CheckEdgeRefs verifies that every edge in g references nodes present
// in the same snapshot. This holds for full frames (the initial graph a
// client submits, every successor the runner produces) but not
// necessarily for the partial update a single simulator returns, which
// is why it is separate from ValidateAgainst.
func (g Graph) CheckEdgeRefs() error {
	for id, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("edge %q references missing node %q", id, e.From), nil)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return simerr.New(simerr.KindProtocol,
				fmt.Sprintf("edge %q references missing node %q", id, e.To), nil)
		}
	}
	return nil
}

// Project extracts the subset of a node's components named in names;
// names absent from the set are skipped.
func (cs ComponentSet) Project(names []string) ComponentSet {
	out := make(ComponentSet, len(names))
	for _, n := range names {
		if v, ok := cs[n]; ok {
			out[n] = v
		}
	}
	return out
}
