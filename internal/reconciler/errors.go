package reconciler

import (
	"errors"
	"fmt"

	"github.com/loykin/taskwire/internal/registry"
)

// FrameworkError is a reconciliation fault escalated outside the cycle loop:
// a disconnect that failed against a task that was not terminating, or a
// connect against a missing port. It is attributed to one task.
type FrameworkError struct {
	Task string
	Op   string // "connect" or "disconnect"
	Err  error
}

func (e *FrameworkError) Error() string {
	return fmt.Sprintf("reconciler: %s fault on task %q: %v", e.Op, e.Task, e.Err)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// assumeDisconnected reports whether a disconnect failure should be treated
// as an implicit success: the cause indicates the peer is already
// unreachable, so the edge is presumed gone.
func assumeDisconnected(err error) bool {
	var pnf *registry.PortNotFoundError
	var tnf *registry.TaskNotFoundError
	var ce *registry.CommError
	return errors.As(err, &pnf) || errors.As(err, &tnf) || errors.As(err, &ce)
}
