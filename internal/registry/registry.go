// Package registry holds the live task records the reconciler operates on.
// It replaces the original design's module-level process-server singleton:
// a Registry is constructed explicitly and injected wherever task lookup is
// needed, with explicit register/deregister lifecycle.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/taskwire/internal/dataflow"
)

// Port is one typed endpoint of a live task, provided by the underlying
// port runtime.
type Port interface {
	Name() string
	// Static reports whether this binding cannot change while the owning
	// task runs; rewiring it forces a reconfiguration.
	Static() bool
	// ConnectTo wires this output port to a sink input port.
	ConnectTo(sink Port, policy dataflow.Policy) error
	// DisconnectFrom tears down the wiring to a sink input port.
	DisconnectFrom(sink Port) error
}

// Task is the reconciler's view of one live component, provided by the
// underlying component runtime.
type Task interface {
	Name() string
	// Running reports whether the execution agent is up and the task runs.
	Running() bool
	// IsSetup reports whether the task is configured, i.e. dynamic ports
	// exist.
	IsSetup() bool
	// Terminating reports whether the task is already shutting down;
	// disconnect faults against a terminating task are expected noise.
	Terminating() bool
	// RequiresInputWiring reports whether the task may only execute once all
	// of its required inputs are connected.
	RequiresInputWiring() bool
	InputPort(name string) (Port, error)
	OutputPort(name string) (Port, error)
	// SetExecutable records the executability gate computed by the
	// reconciler; consumed by the scheduling layer outside this core.
	SetExecutable(ok bool)
	// SetNeedsReconfiguration flags that a static port binding must change,
	// which requires a full reconfiguration before new wiring takes effect.
	SetNeedsReconfiguration()
}

// Handler is a capability attached to a task at registration time
// (port-monitor, port-reader). Dispatch is a plain table lookup; there is no
// reflective fallback.
type Handler interface {
	Capability() string
}

// Well-known capability names.
const (
	CapPortMonitor = "port-monitor"
	CapPortReader  = "port-reader"
)

type entry struct {
	task     Task
	handlers map[string]Handler
}

// Registry maps task names to live task records and their capability tables.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a task with its capability handlers. Registering a name that
// is already present is an error; deregister the old record first.
func (r *Registry) Register(t Task, handlers ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("registry: task %q already registered", name)
	}
	hm := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		hm[h.Capability()] = h
	}
	r.entries[name] = entry{task: t, handlers: hm}
	return nil
}

// Deregister removes a task record; it reports whether the name was present.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Lookup returns the task for name.
func (r *Registry) Lookup(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Resolve returns the handler registered for a capability of the named task.
func (r *Registry) Resolve(name, capability string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &TaskNotFoundError{Task: name}
	}
	h, ok := e.handlers[capability]
	if !ok {
		return nil, fmt.Errorf("registry: task %q has no %q capability", name, capability)
	}
	return h, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
