package proc

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExitStatus is the terminal state of a spawned process.
type ExitStatus struct {
	Code   int
	Signal int // non-zero when the process died from a signal
}

// Death is the event a Handle's monitor goroutine delivers to the server's
// event loop once the child has been reaped.
type Death struct {
	Name   string
	Status ExitStatus
}

// Status is a point-in-time snapshot of a Handle.
type Status struct {
	Name       string     `json:"name"`
	Deployment string     `json:"deployment"`
	PID        int        `json:"pid"`
	Alive      bool       `json:"alive"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  time.Time  `json:"stopped_at,omitempty"`
	Exit       ExitStatus `json:"exit"`
}

// Handle represents one spawned deployment. Liveness flips to false exactly
// once, either on explicit stop acknowledgment or when the monitor reaps the
// child; a Handle is never resurrected.
type Handle struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	alive     bool
	startedAt time.Time
	stoppedAt time.Time
	exit      ExitStatus
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by the monitor when cmd.Wait returns
}

// Spawn starts the deployment described by spec with the given merged
// environment. On success the returned Handle is alive and has a PID.
func Spawn(spec Spec, mergedEnv []string) (*Handle, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := mergedEnv
	if m := spec.MappingEnv(); m != "" {
		env = append(append([]string(nil), env...), m)
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &Handle{spec: spec, waitDone: make(chan struct{})}
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		h.outCloser, h.errCloser = outW, errW
		cmd.Stdout, cmd.Stderr = writerOrNull(outW), writerOrNull(errW)
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, err
	}
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.alive = true
	h.startedAt = time.Now()
	return h, nil
}

func writerOrNull(w io.WriteCloser) io.Writer {
	if w != nil {
		return w
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return null
}

// Monitor blocks on cmd.Wait, records the exit status, and delivers exactly
// one Death on deaths. It is the Go analogue of the classic SIGCHLD self-pipe:
// the only work done between reap and delivery is the channel send, so the
// event loop observes child exits as ordinary channel events.
func (h *Handle) Monitor(deaths chan<- Death) {
	err := h.cmd.Wait()
	st := exitStatusOf(h.cmd, err)
	h.mu.Lock()
	h.alive = false
	h.stoppedAt = time.Now()
	h.exit = st
	if h.waitDone != nil {
		close(h.waitDone)
		h.waitDone = nil
	}
	h.mu.Unlock()
	h.closeWriters()
	deaths <- Death{Name: h.spec.Name, Status: st}
}

func exitStatusOf(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Code: -1, Signal: int(ws.Signal())}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
		return ExitStatus{Code: ee.ExitCode()}
	}
	return ExitStatus{Code: -1}
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	out, errW := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	h.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

func (h *Handle) Name() string { return h.spec.Name }

func (h *Handle) Spec() Spec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// Exit returns the recorded exit status; valid once Alive reports false.
func (h *Handle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Snapshot returns a copy of the current status.
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Name:       h.spec.Name,
		Deployment: h.spec.Deployment,
		PID:        h.pid,
		Alive:      h.alive,
		StartedAt:  h.startedAt,
		StoppedAt:  h.stoppedAt,
		Exit:       h.exit,
	}
}

// WaitDone returns a channel closed once the monitor has reaped the child,
// or nil if that already happened.
func (h *Handle) WaitDone() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

// DetectAlive probes liveness: the recorded flag plus a zero-signal check on
// the PID, so a child that died before the monitor reaped it is not reported
// alive.
func (h *Handle) DetectAlive() bool {
	h.mu.Lock()
	alive, pid := h.alive, h.pid
	h.mu.Unlock()
	if !alive {
		return false
	}
	return processExists(pid)
}

// Terminate requests a graceful stop: cleanup commands first (best effort),
// then SIGTERM to the process group. It never waits for the exit; that is
// observed through the monitor's Death event.
func (h *Handle) Terminate(runCleanup bool) error {
	h.mu.Lock()
	alive, pid := h.alive, h.pid
	cleanup := append([]string(nil), h.spec.Cleanup...)
	h.mu.Unlock()
	if !alive {
		return nil
	}
	if runCleanup {
		for _, c := range cleanup {
			runShell(c)
		}
	}
	return killGroup(pid, syscall.SIGTERM)
}

// Kill hard-kills the process group. Like Terminate it does not wait.
func (h *Handle) Kill() error {
	h.mu.Lock()
	alive, pid := h.alive, h.pid
	h.mu.Unlock()
	if !alive {
		return nil
	}
	return killGroup(pid, syscall.SIGKILL)
}
