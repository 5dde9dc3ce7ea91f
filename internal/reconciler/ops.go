package reconciler

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/taskwire/internal/dataflow"
	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/registry"
)

// opResult is what one fanned-out port operation reports back. The actual
// graph is only mutated by the cycle goroutine after the whole phase joined,
// based on these results.
type opResult struct {
	edge  dataflow.Edge
	apply bool  // confirmed (or presumed) done; mutate the actual graph
	fault error // framework fault to escalate, if any
}

// applyRemovals disconnects the given edges concurrently. All units are
// launched before any is awaited; a unit failure never aborts its siblings.
func (e *Engine) applyRemovals(edges []dataflow.Edge) {
	if len(edges) == 0 {
		return
	}
	results := make([]opResult, len(edges))
	g := new(errgroup.Group)
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}
	for i, edge := range edges {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = opResult{edge: edge, fault: fmt.Errorf("disconnect panic on %s.%s: %v", edge.Source, edge.Ports.SourcePort, r)}
				}
			}()
			results[i] = e.disconnectOne(edge)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.apply {
			e.actual.RemoveEdge(r.edge)
			metrics.ObserveConnectionOp("disconnect", "ok")
			if e.onApplied != nil {
				e.onApplied("disconnect", r.edge)
			}
		} else {
			metrics.ObserveConnectionOp("disconnect", "error")
		}
		if r.fault != nil {
			e.raise(r.fault)
		}
	}
}

// applyAdditions connects the given edges concurrently, mirroring
// applyRemovals.
func (e *Engine) applyAdditions(edges []dataflow.Edge) {
	if len(edges) == 0 {
		return
	}
	results := make([]opResult, len(edges))
	g := new(errgroup.Group)
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}
	for i, edge := range edges {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = opResult{edge: edge, fault: fmt.Errorf("connect panic on %s.%s: %v", edge.Source, edge.Ports.SourcePort, r)}
				}
			}()
			results[i] = e.connectOne(edge)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.apply {
			e.actual.Add(r.edge)
			metrics.ObserveConnectionOp("connect", "ok")
			if e.onApplied != nil {
				e.onApplied("connect", r.edge)
			}
		} else {
			metrics.ObserveConnectionOp("connect", "error")
		}
		if r.fault != nil {
			e.raise(r.fault)
		}
	}
}

// disconnectOne tears down one edge. A failure whose cause says the peer is
// already unreachable counts as success, with the edge presumed gone along
// with the remote side, unless the task the failure is attributed to is live
// and not terminating, in which case it is escalated.
func (e *Engine) disconnectOne(edge dataflow.Edge) opResult {
	src, okSrc := e.reg.Lookup(edge.Source)
	sink, okSink := e.reg.Lookup(edge.Sink)
	if !okSrc || !okSink {
		// One side has no record at all: orphaned wiring, drop the edge.
		return opResult{edge: edge, apply: true}
	}
	out, err := src.OutputPort(edge.Ports.SourcePort)
	if err != nil {
		return e.classifyDisconnect(edge, edge.Source, err)
	}
	in, err := sink.InputPort(edge.Ports.SinkPort)
	if err != nil {
		return e.classifyDisconnect(edge, edge.Sink, err)
	}
	if err := out.DisconnectFrom(in); err != nil {
		return e.classifyDisconnect(edge, attributedTask(err, edge.Source), err)
	}
	return opResult{edge: edge, apply: true}
}

func (e *Engine) classifyDisconnect(edge dataflow.Edge, owner string, err error) opResult {
	if assumeDisconnected(err) {
		t, ok := e.reg.Lookup(owner)
		if !ok || t.Terminating() || !t.Running() {
			// Transport noise from a peer on its way out; logically
			// succeeded.
			e.log.Debug("disconnect assumed done", "source", edge.Source, "sink", edge.Sink, "cause", err)
			return opResult{edge: edge, apply: true}
		}
		return opResult{edge: edge, fault: &FrameworkError{Task: owner, Op: "disconnect", Err: err}}
	}
	return opResult{edge: edge, fault: &FrameworkError{Task: owner, Op: "disconnect", Err: err}}
}

// connectOne wires one edge and records the static flags of both endpoint
// ports so later cycles can apply the restart-on-static rule. A missing port
// is attributed to the exact endpoint that lacks it; the actual graph is left
// untouched for that edge.
func (e *Engine) connectOne(edge dataflow.Edge) opResult {
	src, ok := e.reg.Lookup(edge.Source)
	if !ok {
		return opResult{edge: edge, fault: &FrameworkError{Task: edge.Source, Op: "connect", Err: &registry.TaskNotFoundError{Task: edge.Source}}}
	}
	sink, ok := e.reg.Lookup(edge.Sink)
	if !ok {
		return opResult{edge: edge, fault: &FrameworkError{Task: edge.Sink, Op: "connect", Err: &registry.TaskNotFoundError{Task: edge.Sink}}}
	}
	out, err := src.OutputPort(edge.Ports.SourcePort)
	if err != nil {
		return opResult{edge: edge, fault: &FrameworkError{Task: edge.Source, Op: "connect", Err: err}}
	}
	in, err := sink.InputPort(edge.Ports.SinkPort)
	if err != nil {
		return opResult{edge: edge, fault: &FrameworkError{Task: edge.Sink, Op: "connect", Err: err}}
	}
	if err := out.ConnectTo(in, edge.Policy); err != nil {
		return opResult{edge: edge, fault: &FrameworkError{Task: attributedTask(err, edge.Source), Op: "connect", Err: err}}
	}
	confirmed := edge
	confirmed.SourceStatic = out.Static()
	confirmed.SinkStatic = in.Static()
	return opResult{edge: confirmed, apply: true}
}

// attributedTask extracts the task a typed fault names, falling back to def.
func attributedTask(err error, def string) string {
	var pnf *registry.PortNotFoundError
	if errors.As(err, &pnf) {
		return pnf.Task
	}
	var tnf *registry.TaskNotFoundError
	if errors.As(err, &tnf) {
		return tnf.Task
	}
	var ce *registry.CommError
	if errors.As(err, &ce) && ce.Task != "" {
		return ce.Task
	}
	return def
}
