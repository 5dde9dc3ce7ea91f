// Package procserver implements the TCP process server: it spawns deployment
// processes on behalf of remote clients, tracks their liveness, and announces
// every child death to all connected clients.
//
// Concurrency model: one accept goroutine feeds new connections into a
// channel, each connection gets a reader goroutine feeding decoded frames
// into a shared request channel, and a single event loop goroutine owns the
// client set and applies all process-table mutations. Per-child monitor
// goroutines deliver exactly one Death each on the deaths channel, so child
// exits are observed as ordinary channel events.
package procserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/loykin/taskwire/internal/history"
	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/proc"
	"github.com/loykin/taskwire/internal/protocol"
	"github.com/loykin/taskwire/internal/uploader"
)

// State is the server lifecycle. It only moves forward.
type State int

const (
	StateCreated State = iota
	StateOpen          // listener bound, loop not yet running
	StateRunning
	StateClosing
	StateClosed
)

const (
	// deathsBuffer bounds how many unreaped deaths can queue before monitor
	// goroutines block. Blocked monitors are harmless; the loop drains soon.
	deathsBuffer = 64

	shutdownKillWait = 5 * time.Second
)

// Options configures a Server. Zero values get defaults.
type Options struct {
	Addr    string // listen address, default ":20202"
	LogRoot string // root for log directories and child working dirs
	Logger  *slog.Logger
	// History sinks receive process start/stop events, best effort.
	History []history.Sink
	// Upload fills in fields the client left empty on upload requests.
	Upload UploadDefaults
}

// UploadDefaults is the server-side default upload target, usually loaded
// from the config file's [upload] section.
type UploadDefaults struct {
	Host           string
	Port           int
	User           string
	Password       string
	CertPEM        []byte
	MaxBytesPerSec int
}

type connClient struct {
	conn net.Conn
	bw   *bufio.Writer
}

// write sends one frame to the client. Only the event loop calls this.
func (c *connClient) write(code byte, payload any) error {
	if err := protocol.WriteFrame(c.bw, code, payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

type request struct {
	client *connClient
	code   byte
	body   []byte
}

// Server is one process server instance.
type Server struct {
	log  *slog.Logger
	opts Options

	ln net.Listener
	up *uploader.Worker

	deaths   chan proc.Death
	conns    chan net.Conn
	requests chan request
	gone     chan *connClient // reader goroutines report dead connections
	quit     chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	state  State
	table  map[string]*proc.Handle
	logDir string // active log directory, set by CreateLog

	// owned exclusively by the event loop
	clients map[*connClient]struct{}

	quitOnce sync.Once
}

// New creates an unopened server.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", protocol.DefaultPort)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		log:      opts.Logger,
		opts:     opts,
		deaths:   make(chan proc.Death, deathsBuffer),
		conns:    make(chan net.Conn),
		requests: make(chan request),
		gone:     make(chan *connClient),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		table:    make(map[string]*proc.Handle),
		clients:  make(map[*connClient]struct{}),
	}
}

// Open binds the listener. It must be called exactly once before Serve.
func (s *Server) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("procserver: open in state %d", s.state)
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("procserver: listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.up = uploader.New(s.log)
	s.state = StateOpen
	s.log.Info("process server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address; useful with ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Uploader exposes the upload worker for the HTTP status API.
func (s *Server) Uploader() *uploader.Worker { return s.up }

// Serve runs the accept goroutine and the event loop until Quit is called or
// a client sends the quit command. It returns once shutdown has completed.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("procserver: serve in state %d", s.state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	go s.acceptLoop()
	s.loop()
	close(s.done)
	return nil
}

// Quit asks the server to shut down. Safe to call from any goroutine and
// more than once; it returns immediately.
func (s *Server) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Wait blocks until Serve has returned.
func (s *Server) Wait() { <-s.done }

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		select {
		case s.conns <- c:
		case <-s.quit:
			_ = c.Close()
			return
		}
	}
}

// readLoop decodes frames off one connection. A malformed frame is fatal to
// the connection: the reader stops and reports the client gone.
func (s *Server) readLoop(c *connClient) {
	br := bufio.NewReader(c.conn)
	for {
		code, body, err := protocol.ReadFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("client read failed", "remote", c.conn.RemoteAddr(), "error", err)
			}
			select {
			case s.gone <- c:
			case <-s.quit:
			}
			return
		}
		if !protocol.IsCommand(code) {
			s.log.Warn("unknown command from client", "remote", c.conn.RemoteAddr(), "code", code)
			select {
			case s.gone <- c:
			case <-s.quit:
			}
			return
		}
		select {
		case s.requests <- request{client: c, code: code, body: body}:
		case <-s.quit:
			return
		}
	}
}

func (s *Server) loop() {
	for {
		select {
		case c := <-s.conns:
			cl := &connClient{conn: c, bw: bufio.NewWriter(c)}
			s.clients[cl] = struct{}{}
			s.log.Debug("client connected", "remote", c.RemoteAddr())
			go s.readLoop(cl)

		case cl := <-s.gone:
			s.dropClient(cl)

		case req := <-s.requests:
			if quit := s.dispatch(req); quit {
				s.shutdown()
				return
			}

		case d := <-s.deaths:
			s.handleDeath(d)

		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Server) dropClient(cl *connClient) {
	if _, ok := s.clients[cl]; !ok {
		return
	}
	delete(s.clients, cl)
	_ = cl.conn.Close()
	s.log.Debug("client disconnected", "remote", cl.conn.RemoteAddr())
}

// handleDeath records the exit, announces it to every client, and removes the
// process from the table. Clients whose write fails are dropped.
func (s *Server) handleDeath(d proc.Death) {
	s.mu.Lock()
	h := s.table[d.Name]
	delete(s.table, d.Name)
	live := len(s.table)
	s.mu.Unlock()
	if h == nil {
		return
	}

	s.log.Info("process died", "name", d.Name, "code", d.Status.Code, "signal", d.Status.Signal)
	metrics.IncDeath(d.Name)
	metrics.SetLiveProcesses(live)
	s.record(history.Event{
		Type:       history.EventProcessStop,
		OccurredAt: time.Now(),
		Task:       d.Name,
		PID:        h.PID(),
		ExitCode:   d.Status.Code,
	})

	notice := protocol.DeathNotice{
		Base:   protocol.NewBase(),
		Name:   d.Name,
		Code:   d.Status.Code,
		Signal: d.Status.Signal,
	}
	for cl := range s.clients {
		if err := cl.write(protocol.MarkDead, notice); err != nil {
			s.dropClient(cl)
		}
	}
}

// record sends one event to every history sink, best effort.
func (s *Server) record(e history.Event) {
	for _, sink := range s.opts.History {
		if err := sink.Send(context.Background(), e); err != nil {
			s.log.Warn("history sink send failed", "type", e.Type, "error", err)
		}
	}
}

// shutdown hard-kills every child, waits for the monitors to report them
// dead, and tears down clients and the upload worker.
func (s *Server) shutdown() {
	// Release reader and accept goroutines blocked on the quit channel;
	// shutdown may have been triggered by a wire command instead of Quit.
	s.Quit()

	s.mu.Lock()
	s.state = StateClosing
	handles := make([]*proc.Handle, 0, len(s.table))
	for _, h := range s.table {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", "processes", len(handles), "clients", len(s.clients))
	_ = s.ln.Close()

	for _, h := range handles {
		_ = h.Kill()
	}
	deadline := time.NewTimer(shutdownKillWait)
	defer deadline.Stop()
	for range handles {
		select {
		case d := <-s.deaths:
			s.handleDeath(d)
		case <-deadline.C:
			s.log.Warn("timed out waiting for children to exit")
			goto drained
		}
	}
drained:

	for cl := range s.clients {
		_ = cl.conn.Close()
	}
	s.clients = map[*connClient]struct{}{}

	if s.up != nil {
		s.up.Close()
	}
	for _, sink := range s.opts.History {
		_ = sink.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Info("process server stopped")
}

// Snapshot returns a copy of the process table for the HTTP status API.
func (s *Server) Snapshot() []proc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proc.Status, 0, len(s.table))
	for _, h := range s.table {
		out = append(out, h.Snapshot())
	}
	return out
}

// Lookup returns one process status by name.
func (s *Server) Lookup(name string) (proc.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.table[name]
	if !ok {
		return proc.Status{}, false
	}
	return h.Snapshot(), true
}
