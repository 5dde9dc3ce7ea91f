package registry

import "fmt"

// TaskNotFoundError reports a lookup for a task with no live record.
type TaskNotFoundError struct {
	Task string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q does not exist or is not registered", e.Task)
}

// PortNotFoundError is attributed to the exact endpoint that lacks the named
// port. Port runtime implementations return it from InputPort/OutputPort and
// from connect attempts against vanished ports.
type PortNotFoundError struct {
	Task string
	Port string
}

func (e *PortNotFoundError) Error() string {
	return fmt.Sprintf("task %q has no port %q", e.Task, e.Port)
}

// CommError wraps a transport-level failure talking to a live task. During
// disconnection it usually means the peer is already gone.
type CommError struct {
	Task string
	Err  error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication with task %q failed: %v", e.Task, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }
