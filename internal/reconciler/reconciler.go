// Package reconciler implements the connection reconciliation engine: each
// cycle it diffs the required dataflow graph against the actual one, computes
// the minimal connect/disconnect set, and applies it respecting task
// lifecycle constraints.
package reconciler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/taskwire/internal/dataflow"
	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/registry"
)

// Intent supplies the declarative connection requirements for one task. The
// application layer owns it; the engine reads it once per cycle when
// rebuilding a modified task's required subgraph.
type Intent interface {
	RequiredEdges(task string) []dataflow.Edge
}

// Config wires an Engine. Registry and Intent are mandatory.
type Config struct {
	Registry *registry.Registry
	Intent   Intent
	Logger   *slog.Logger
	// Parallelism bounds concurrent port operations within a phase;
	// 0 means unbounded.
	Parallelism int
	// OnFault receives framework-level faults (escalated disconnect
	// failures, port-not-found on connect). Optional.
	OnFault func(error)
	// OnResolutionRequired is invoked with the tasks whose static-port
	// wiring cannot change live; the surrounding plan must be re-resolved.
	// Optional.
	OnResolutionRequired func(tasks []string)
	// OnApplied is invoked for every confirmed connect or disconnect, after
	// the actual graph has been updated. Optional.
	OnApplied func(op string, edge dataflow.Edge)
}

// Engine owns the required and actual graphs and the single in-flight
// ChangeSet. Cycle must not be called concurrently; all graph mutation
// happens on the calling goroutine after fanned-out operations join.
type Engine struct {
	log      *slog.Logger
	reg      *registry.Registry
	intent   Intent
	required *dataflow.Graph
	actual   *dataflow.Graph

	parallelism  int
	onFault      func(error)
	onResolution func([]string)
	onApplied    func(string, dataflow.Edge)

	mu      sync.Mutex
	pending *ChangeSet
	faults  []error
}

func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("reconciler: registry is required")
	}
	if cfg.Intent == nil {
		return nil, fmt.Errorf("reconciler: intent source is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log,
		reg:          cfg.Registry,
		intent:       cfg.Intent,
		required:     dataflow.New(),
		actual:       dataflow.New(),
		parallelism:  cfg.Parallelism,
		onFault:      cfg.OnFault,
		onResolution: cfg.OnResolutionRequired,
		onApplied:    cfg.OnApplied,
	}, nil
}

// Required exposes the required graph (read by tests and status endpoints).
func (e *Engine) Required() *dataflow.Graph { return e.required }

// Actual exposes the actual graph. Only the engine mutates it.
func (e *Engine) Actual() *dataflow.Graph { return e.actual }

// Pending returns the current in-flight change set, or nil.
func (e *Engine) Pending() *ChangeSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Faults drains the collected framework faults.
func (e *Engine) Faults() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.faults
	e.faults = nil
	return f
}

func (e *Engine) raise(err error) {
	e.log.Error("reconciliation fault", "error", err)
	e.mu.Lock()
	e.faults = append(e.faults, err)
	e.mu.Unlock()
	if e.onFault != nil {
		e.onFault(err)
	}
}

// Cycle runs one reconciliation pass over the tasks whose requirements
// changed since the last pass. Anything that cannot be applied yet is carried
// in the ChangeSet and retried on a later cycle. A panic while diffing or
// applying is converted into a fault and leaves the previous pending work
// queued.
func (e *Engine) Cycle(modified []string) (err error) {
	prevPending := e.Pending()
	completed := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciler: cycle panic: %v", r)
			e.raise(err)
		}
		if !completed {
			e.setPending(prevPending)
		}
	}()

	metrics.IncReconcileCycle()

	// Scope: modified tasks plus everything carried over from the previous
	// cycle.
	scope := make(map[string]struct{}, len(modified))
	for _, t := range modified {
		scope[t] = struct{}{}
	}
	for t := range pendingTasks(prevPending) {
		scope[t] = struct{}{}
	}

	// Step 1: rebuild the required subgraph of each modified task from
	// scratch. Remove-then-re-add avoids stale edges when a task's
	// requirements shrink.
	for _, t := range modified {
		e.required.RemoveTaskEdges(t)
		for _, edge := range e.intent.RequiredEdges(t) {
			e.required.Add(edge)
		}
	}

	// Step 2: diff. Policy updates cannot be patched in place; expand them
	// into a removal of the old edge plus an addition of the new one.
	d := dataflow.Difference(e.required, e.actual, scope)
	additions := append([]dataflow.Edge(nil), d.New...)
	removals := append([]dataflow.Edge(nil), d.Removed...)
	for _, u := range d.Updated {
		old := u.Edge
		old.Policy = u.OldPolicy
		removals = append(removals, old)
		additions = append(additions, u.Edge)
	}

	// Dangling-edge cleanup, independent of the diff scope: actual edges
	// whose source task has no live record left the plan without orderly
	// teardown and must be torn out.
	for _, edge := range e.actual.Edges() {
		if !e.reg.Has(edge.Source) && !containsEdge(removals, edge) {
			removals = append(removals, edge)
		}
	}

	// Static-port rule: wiring through a static port on a still-running
	// task cannot change live. The task is flagged for reconfiguration and
	// the operation is handed back for a full plan re-resolution instead of
	// being silently retried.
	removals, deferredRem := e.partitionStatic(removals)
	additions, deferredAdd := e.partitionStatic(additions)
	if n := len(deferredRem) + len(deferredAdd); n > 0 {
		names := taskSet(append(deferredRem, deferredAdd...))
		e.log.Info("static wiring change deferred, plan re-resolution required", "tasks", names)
		if e.onResolution != nil {
			e.onResolution(names)
		}
	}

	// Step 3: additions whose endpoints are not ready yet are held for a
	// later cycle, not dropped.
	held, ready := e.partitionHeld(additions)

	// Step 4: operations with a non-running endpoint are cheap and happen
	// now; operations touching only live wiring are sequenced into a second
	// phase.
	earlyAdd, lateAdd := e.partitionPhase(ready)
	earlyRem, lateRem := e.partitionPhase(removals)

	touched := make(map[string]struct{}, len(scope))
	for t := range scope {
		touched[t] = struct{}{}
	}
	for _, edge := range additions {
		touched[edge.Source] = struct{}{}
		touched[edge.Sink] = struct{}{}
	}
	for _, edge := range removals {
		touched[edge.Source] = struct{}{}
		touched[edge.Sink] = struct{}{}
	}

	// Step 5: early removals, then early additions.
	e.applyRemovals(earlyRem)
	e.applyAdditions(earlyAdd)

	metrics.SetHeldConnections(len(held))

	if len(held) > 0 {
		// Step 6: do not touch live wiring yet. Persist held + late work,
		// update the executability gate for whatever did settle, and stop.
		cs := newChangeSet()
		cs.Additions = append(append([]dataflow.Edge(nil), held...), lateAdd...)
		cs.Removals = lateRem
		for _, edge := range cs.Additions {
			cs.addEdgeTasks(edge)
		}
		for _, edge := range cs.Removals {
			cs.addEdgeTasks(edge)
		}
		e.setPending(cs)
		completed = true
		e.updateExecutability(touched)
		return nil
	}

	// Step 7: disconnect before reconnect to avoid transient duplicate
	// wiring.
	e.applyRemovals(lateRem)
	e.applyAdditions(lateAdd)
	e.setPending(nil)
	completed = true
	e.updateExecutability(touched)
	return nil
}

func (e *Engine) setPending(cs *ChangeSet) {
	e.mu.Lock()
	e.pending = cs
	e.mu.Unlock()
}

func pendingTasks(cs *ChangeSet) map[string]struct{} {
	if cs == nil {
		return nil
	}
	return cs.Tasks
}

func containsEdge(edges []dataflow.Edge, e dataflow.Edge) bool {
	for _, x := range edges {
		if x.Source == e.Source && x.Sink == e.Sink && x.Ports == e.Ports {
			return true
		}
	}
	return false
}

func taskSet(edges []dataflow.Edge) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range edges {
		for _, t := range []string{e.Source, e.Sink} {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}

// partitionHeld splits additions into held (an endpoint task is missing, or
// is not set up and its dynamic port does not exist yet) and ready.
func (e *Engine) partitionHeld(additions []dataflow.Edge) (held, ready []dataflow.Edge) {
	for _, edge := range additions {
		if e.connectionReady(edge) {
			ready = append(ready, edge)
		} else {
			held = append(held, edge)
		}
	}
	return held, ready
}

func (e *Engine) connectionReady(edge dataflow.Edge) bool {
	src, ok := e.reg.Lookup(edge.Source)
	if !ok {
		return false
	}
	sink, ok := e.reg.Lookup(edge.Sink)
	if !ok {
		return false
	}
	// A port that does not exist on an unconfigured task is dynamic: it will
	// appear at configuration time, so the connection waits. The same lookup
	// failing on a configured task is a real fault and is surfaced at
	// connect time instead.
	if !src.IsSetup() {
		if _, err := src.OutputPort(edge.Ports.SourcePort); err != nil {
			return false
		}
	}
	if !sink.IsSetup() {
		if _, err := sink.InputPort(edge.Ports.SinkPort); err != nil {
			return false
		}
	}
	return true
}

// partitionPhase splits operations into early (at least one endpoint is not
// running, so the change is local bookkeeping) and late (both endpoints run,
// the operation touches live wiring).
func (e *Engine) partitionPhase(edges []dataflow.Edge) (early, late []dataflow.Edge) {
	for _, edge := range edges {
		if e.bothRunning(edge) {
			late = append(late, edge)
		} else {
			early = append(early, edge)
		}
	}
	return early, late
}

func (e *Engine) bothRunning(edge dataflow.Edge) bool {
	src, ok := e.reg.Lookup(edge.Source)
	if !ok || !src.Running() {
		return false
	}
	sink, ok := e.reg.Lookup(edge.Sink)
	return ok && sink.Running()
}

// partitionStatic filters out edges that touch a static port on a running
// task. Affected tasks are flagged for reconfiguration.
func (e *Engine) partitionStatic(edges []dataflow.Edge) (kept, deferred []dataflow.Edge) {
	for _, edge := range edges {
		blocked := false
		if t, ok := e.reg.Lookup(edge.Source); ok && t.Running() {
			if e.endpointStatic(t, edge.Ports.SourcePort, edge.SourceStatic, false) {
				t.SetNeedsReconfiguration()
				blocked = true
			}
		}
		if t, ok := e.reg.Lookup(edge.Sink); ok && t.Running() {
			if e.endpointStatic(t, edge.Ports.SinkPort, edge.SinkStatic, true) {
				t.SetNeedsReconfiguration()
				blocked = true
			}
		}
		if blocked {
			deferred = append(deferred, edge)
		} else {
			kept = append(kept, edge)
		}
	}
	return kept, deferred
}

// endpointStatic trusts the flag recorded on the edge (set when the edge was
// confirmed) and falls back to asking the live port.
func (e *Engine) endpointStatic(t registry.Task, port string, recorded bool, input bool) bool {
	if recorded {
		return true
	}
	var p registry.Port
	var err error
	if input {
		p, err = t.InputPort(port)
	} else {
		p, err = t.OutputPort(port)
	}
	if err != nil {
		return false
	}
	return p.Static()
}

// updateExecutability recomputes the executability gate for every touched
// task: a task with required inputs may only run once all of them are
// confirmed in the actual graph, unless it does not require pre-connection.
// Tasks that lost all input wiring are downgraded here as well, so nothing
// stays executable with dangling required inputs.
func (e *Engine) updateExecutability(tasks map[string]struct{}) {
	for name := range tasks {
		t, ok := e.reg.Lookup(name)
		if !ok {
			continue
		}
		reqInputs := e.required.InputsOf(name)
		var executable bool
		switch {
		case len(reqInputs) == 0:
			executable = true
		case !t.RequiresInputWiring():
			executable = true
		default:
			executable = true
			for _, edge := range reqInputs {
				if _, ok := e.actual.Lookup(edge.Source, edge.Ports.SourcePort, edge.Sink, edge.Ports.SinkPort); !ok {
					executable = false
					break
				}
			}
		}
		t.SetExecutable(executable)
	}
}
