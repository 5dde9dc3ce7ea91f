package reconciler

import "github.com/loykin/taskwire/internal/dataflow"

// ChangeSet is the engine's in-flight transaction: the tasks under
// consideration plus the additions and removals not yet applied. At most one
// ChangeSet exists at a time; each cycle replaces it wholesale, carrying
// forward whatever was not applied.
type ChangeSet struct {
	Tasks     map[string]struct{}
	Additions []dataflow.Edge
	Removals  []dataflow.Edge
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{Tasks: make(map[string]struct{})}
}

func (c *ChangeSet) addTask(name string) {
	c.Tasks[name] = struct{}{}
}

func (c *ChangeSet) addEdgeTasks(e dataflow.Edge) {
	c.Tasks[e.Source] = struct{}{}
	c.Tasks[e.Sink] = struct{}{}
}

// Empty reports whether nothing is outstanding.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Additions) == 0 && len(c.Removals) == 0)
}

// TaskNames returns the tracked task set as a slice.
func (c *ChangeSet) TaskNames() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Tasks))
	for n := range c.Tasks {
		out = append(out, n)
	}
	return out
}
