// Package uploader owns the single background worker that transfers log
// files to a remote archive. Jobs run strictly in FIFO order, one in flight
// at a time; failures are captured into results, never propagated.
package uploader

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/taskwire/internal/metrics"
)

// Job is one file transfer: where to send it, how to authenticate, and how
// fast it may go. A zero MaxBytesPerSec means unlimited.
type Job struct {
	ID             string
	Host           string
	Port           int
	User           string
	Password       string
	CertPEM        []byte
	Path           string
	MaxBytesPerSec int
}

// Result is the terminal state of one job. Results accumulate until polled
// and are not re-delivered.
type Result struct {
	JobID   string `json:"job_id"`
	OK      bool   `json:"ok"`
	Path    string `json:"path"`
	Message string `json:"message,omitempty"`
}

// Worker serializes upload jobs on one goroutine. The queue is unbounded;
// the only way to stop the worker is the sentinel enqueued by Close.
type Worker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Job // nil entry is the stop sentinel
	inFlight bool
	closed   bool
	results  []Result
	done     chan struct{}
	log      *slog.Logger
	transfer func(*Job) error // swapped in tests
}

// New starts the worker goroutine immediately.
func New(log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{done: make(chan struct{}), log: log}
	w.cond = sync.NewCond(&w.mu)
	w.transfer = w.upload
	go w.run()
	return w
}

// Enqueue adds a job to the tail of the queue. An empty ID is assigned one.
// Enqueue after Close is a silent no-op; the server never does this outside
// of a shutdown race.
func (w *Worker) Enqueue(j *Job) string {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return j.ID
	}
	w.queue = append(w.queue, j)
	w.cond.Signal()
	return j.ID
}

// Close enqueues the stop sentinel exactly once and waits for the worker to
// finish everything queued ahead of it.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.queue = append(w.queue, nil)
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
}

// State drains accumulated results and reports the pending count:
// queued jobs plus one when a job is executing. Pending is zero exactly when
// nothing is outstanding.
func (w *Worker) State() (pending int, results []Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	results = w.results
	w.results = nil
	pending = w.pendingLocked()
	return pending, results
}

// Pending reports the outstanding count without draining results.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingLocked()
}

func (w *Worker) pendingLocked() int {
	n := 0
	for _, j := range w.queue {
		if j != nil {
			n++
		}
	}
	if w.inFlight {
		n++
	}
	return n
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		j := w.queue[0]
		w.queue = w.queue[1:]
		if j == nil {
			w.mu.Unlock()
			return
		}
		w.inFlight = true
		w.mu.Unlock()

		res := Result{JobID: j.ID, Path: j.Path, OK: true}
		if err := w.transfer(j); err != nil {
			res.OK = false
			res.Message = err.Error()
			w.log.Warn("upload failed", "path", j.Path, "host", j.Host, "error", err)
		} else {
			w.log.Debug("upload finished", "path", j.Path, "host", j.Host)
		}
		metrics.IncUploadJob(res.OK)

		w.mu.Lock()
		w.inFlight = false
		w.results = append(w.results, res)
		w.mu.Unlock()
	}
}
