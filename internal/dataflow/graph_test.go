package dataflow

import "testing"

func edge(source, sourcePort, sink, sinkPort string, p Policy) Edge {
	return Edge{
		Source: source,
		Sink:   sink,
		Ports:  PortPair{SourcePort: sourcePort, SinkPort: sinkPort},
		Policy: p,
	}
}

func taskSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func TestAddRemoveLookup(t *testing.T) {
	g := New()
	e := edge("cam", "frames", "det", "in", DataPolicy())
	g.Add(e)

	got, ok := g.Lookup("cam", "frames", "det", "in")
	if !ok || got.Policy != DataPolicy() {
		t.Fatalf("Lookup = %+v, %v", got, ok)
	}
	if g.Len() != 1 {
		t.Fatalf("Len = %d", g.Len())
	}
	if !g.RemoveEdge(e) {
		t.Fatal("RemoveEdge reported missing edge")
	}
	if g.RemoveEdge(e) {
		t.Fatal("second RemoveEdge reported success")
	}
	if g.Len() != 0 {
		t.Fatalf("Len after remove = %d", g.Len())
	}
}

func TestAddReplacesPolicy(t *testing.T) {
	g := New()
	g.Add(edge("a", "out", "b", "in", DataPolicy()))
	g.Add(edge("a", "out", "b", "in", BufferPolicy(5)))
	if g.Len() != 1 {
		t.Fatalf("Len = %d, want 1", g.Len())
	}
	got, _ := g.Lookup("a", "out", "b", "in")
	if got.Policy != BufferPolicy(5) {
		t.Fatalf("policy = %+v", got.Policy)
	}
}

func TestRemoveTaskEdges(t *testing.T) {
	g := New()
	g.Add(edge("a", "out", "b", "in", DataPolicy()))
	g.Add(edge("b", "out", "c", "in", DataPolicy()))
	g.Add(edge("c", "out", "d", "in", DataPolicy()))

	removed := g.RemoveTaskEdges("b")
	if len(removed) != 2 {
		t.Fatalf("removed %d edges, want 2", len(removed))
	}
	if g.Len() != 1 {
		t.Fatalf("Len = %d, want 1", g.Len())
	}
	if _, ok := g.Lookup("c", "out", "d", "in"); !ok {
		t.Fatal("unrelated edge was removed")
	}
}

func TestInputsOf(t *testing.T) {
	g := New()
	g.Add(edge("a", "out", "c", "in1", DataPolicy()))
	g.Add(edge("b", "out", "c", "in2", DataPolicy()))
	g.Add(edge("c", "out", "d", "in", DataPolicy()))
	if n := len(g.InputsOf("c")); n != 2 {
		t.Fatalf("InputsOf(c) = %d edges, want 2", n)
	}
}

func TestDifferenceBasic(t *testing.T) {
	left := New()
	right := New()
	left.Add(edge("a", "out", "b", "in", DataPolicy()))          // new
	left.Add(edge("a", "out", "c", "in", BufferPolicy(3)))       // updated
	right.Add(edge("a", "out", "c", "in", DataPolicy()))         // old policy
	right.Add(edge("a", "out", "d", "in", DataPolicy()))         // removed
	right.Add(edge("x", "out", "y", "in", DataPolicy()))         // out of scope

	d := Difference(left, right, taskSet("a"))
	if len(d.New) != 1 || d.New[0].Sink != "b" {
		t.Fatalf("New = %+v", d.New)
	}
	if len(d.Removed) != 1 || d.Removed[0].Sink != "d" {
		t.Fatalf("Removed = %+v", d.Removed)
	}
	if len(d.Updated) != 1 || d.Updated[0].OldPolicy != DataPolicy() {
		t.Fatalf("Updated = %+v", d.Updated)
	}
	if d.Updated[0].Edge.Policy != BufferPolicy(3) {
		t.Fatalf("Updated edge policy = %+v", d.Updated[0].Edge.Policy)
	}
}

func TestDifferenceRestrictedToTasks(t *testing.T) {
	left := New()
	right := New()
	// Differences exist on both x and a; only a is in scope.
	left.Add(edge("x", "out", "y", "in", DataPolicy()))
	left.Add(edge("a", "out", "b", "in", DataPolicy()))

	d := Difference(left, right, taskSet("a"))
	if len(d.New) != 1 || d.New[0].Source != "a" {
		t.Fatalf("New = %+v, want only edges touching a", d.New)
	}
	if len(d.Removed) != 0 || len(d.Updated) != 0 {
		t.Fatalf("unexpected removed/updated: %+v", d)
	}
}

func TestDifferenceScopeMatchesSinkToo(t *testing.T) {
	left := New()
	right := New()
	left.Add(edge("x", "out", "a", "in", DataPolicy()))
	d := Difference(left, right, taskSet("a"))
	if len(d.New) != 1 {
		t.Fatalf("New = %+v, want edge with a as sink", d.New)
	}
}

func TestDifferenceDoesNotMutate(t *testing.T) {
	left := New()
	right := New()
	left.Add(edge("a", "out", "b", "in", DataPolicy()))
	right.Add(edge("a", "out", "c", "in", DataPolicy()))
	_ = Difference(left, right, taskSet("a"))
	if left.Len() != 1 || right.Len() != 1 {
		t.Fatalf("graphs mutated: left=%d right=%d", left.Len(), right.Len())
	}
}

func TestDiffEmpty(t *testing.T) {
	if !(Diff{}).Empty() {
		t.Fatal("zero Diff not empty")
	}
	d := Diff{New: []Edge{edge("a", "o", "b", "i", DataPolicy())}}
	if d.Empty() {
		t.Fatal("non-zero Diff reported empty")
	}
}
