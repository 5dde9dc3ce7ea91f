// Package dataflow models the two labeled connection graphs the reconciler
// works on: the required graph (declarative intent) and the actual graph
// (live, confirmed wiring).
package dataflow

import "sync"

// Policy describes the queue semantics of one connection. It is compared by
// value; a policy change on an existing edge is remove-then-add, never an
// in-place update.
type Policy struct {
	Kind string `json:"kind"` // "data", "buffer" or "circular"
	Size int    `json:"size,omitempty"`
	Pull bool   `json:"pull,omitempty"`
	Init bool   `json:"init,omitempty"`
}

// DataPolicy is the default: last-written-value, no buffering.
func DataPolicy() Policy { return Policy{Kind: "data"} }

// BufferPolicy keeps up to size samples.
func BufferPolicy(size int) Policy { return Policy{Kind: "buffer", Size: size} }

// PortPair keys an edge between two vertices.
type PortPair struct {
	SourcePort string `json:"source_port"`
	SinkPort   string `json:"sink_port"`
}

// Edge is one connection. SourceStatic/SinkStatic mirror the port runtime's
// static flags; they ride along on the actual graph and do not participate
// in policy equality.
type Edge struct {
	Source       string   `json:"source"`
	Sink         string   `json:"sink"`
	Ports        PortPair `json:"ports"`
	Policy       Policy   `json:"policy"`
	SourceStatic bool     `json:"source_static,omitempty"`
	SinkStatic   bool     `json:"sink_static,omitempty"`
}

type edgeKey struct {
	source, sourcePort, sink, sinkPort string
}

func keyOf(e Edge) edgeKey {
	return edgeKey{source: e.Source, sourcePort: e.Ports.SourcePort, sink: e.Sink, sinkPort: e.Ports.SinkPort}
}

// Graph is a directed multigraph over task names with at most one policy per
// (source, sourcePort, sink, sinkPort) tuple.
type Graph struct {
	mu    sync.RWMutex
	edges map[edgeKey]Edge
}

func New() *Graph {
	return &Graph{edges: make(map[edgeKey]Edge)}
}

// Add inserts or replaces the edge for its port tuple.
func (g *Graph) Add(e Edge) {
	g.mu.Lock()
	g.edges[keyOf(e)] = e
	g.mu.Unlock()
}

// Remove deletes one edge; it reports whether the edge existed.
func (g *Graph) Remove(source, sourcePort, sink, sinkPort string) bool {
	k := edgeKey{source: source, sourcePort: sourcePort, sink: sink, sinkPort: sinkPort}
	g.mu.Lock()
	_, ok := g.edges[k]
	delete(g.edges, k)
	g.mu.Unlock()
	return ok
}

// RemoveEdge deletes the edge identified by e's endpoints and ports.
func (g *Graph) RemoveEdge(e Edge) bool {
	return g.Remove(e.Source, e.Ports.SourcePort, e.Sink, e.Ports.SinkPort)
}

// RemoveTaskEdges drops every edge touching task and returns what was
// removed. Used when rebuilding a task's required subgraph.
func (g *Graph) RemoveTaskEdges(task string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []Edge
	for k, e := range g.edges {
		if e.Source == task || e.Sink == task {
			removed = append(removed, e)
			delete(g.edges, k)
		}
	}
	return removed
}

// Lookup returns the edge for the exact port tuple.
func (g *Graph) Lookup(source, sourcePort, sink, sinkPort string) (Edge, bool) {
	k := edgeKey{source: source, sourcePort: sourcePort, sink: sink, sinkPort: sinkPort}
	g.mu.RLock()
	e, ok := g.edges[k]
	g.mu.RUnlock()
	return e, ok
}

// EdgeInfo returns the port pairs and policies between two vertices.
func (g *Graph) EdgeInfo(source, sink string) map[PortPair]Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[PortPair]Policy)
	for _, e := range g.edges {
		if e.Source == source && e.Sink == sink {
			out[e.Ports] = e.Policy
		}
	}
	return out
}

// Edges returns a snapshot of every edge.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	return out
}

// EdgesOf returns every edge touching task.
func (g *Graph) EdgesOf(task string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Source == task || e.Sink == task {
			out = append(out, e)
		}
	}
	return out
}

// InputsOf returns every edge whose sink is task.
func (g *Graph) InputsOf(task string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Sink == task {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the edge count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// EdgeUpdate pairs the desired edge with the policy it replaces.
type EdgeUpdate struct {
	Edge      Edge
	OldPolicy Policy
}

// Diff is the result of Difference: edges only in the left graph, only in the
// right graph, and present in both with differing policies. The three sets
// are disjoint.
type Diff struct {
	New     []Edge
	Removed []Edge
	Updated []EdgeUpdate
}

// Empty reports whether the diff carries no work.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Difference compares left against right restricted to edges touching the
// given tasks. Neither graph is mutated; each is snapshotted once.
func Difference(left, right *Graph, tasks map[string]struct{}) Diff {
	touches := func(e Edge) bool {
		if _, ok := tasks[e.Source]; ok {
			return true
		}
		_, ok := tasks[e.Sink]
		return ok
	}

	leftEdges := left.Edges()
	rightEdges := right.Edges()
	rightByKey := make(map[edgeKey]Edge, len(rightEdges))
	for _, e := range rightEdges {
		rightByKey[keyOf(e)] = e
	}

	var d Diff
	seen := make(map[edgeKey]struct{}, len(leftEdges))
	for _, le := range leftEdges {
		if !touches(le) {
			continue
		}
		k := keyOf(le)
		seen[k] = struct{}{}
		re, ok := rightByKey[k]
		switch {
		case !ok:
			d.New = append(d.New, le)
		case re.Policy != le.Policy:
			d.Updated = append(d.Updated, EdgeUpdate{Edge: le, OldPolicy: re.Policy})
		}
	}
	for _, re := range rightEdges {
		if !touches(re) {
			continue
		}
		if _, ok := seen[keyOf(re)]; ok {
			continue
		}
		d.Removed = append(d.Removed, re)
	}
	return d
}
