package taskwire

import (
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func startFacadeServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerOptions{Addr: "127.0.0.1:0", LogRoot: t.TempDir()})
	if err := srv.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		srv.Quit()
		srv.Wait()
	})
	return srv, srv.Addr().String()
}

func TestServerClientFacade(t *testing.T) {
	requireUnix(t)
	_, addr := startFacadeServer(t)

	c, err := Dial(addr, ClientConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	pid, err := c.Start("f1", "/bin/sleep", StartOptions{Args: []string{"0.2"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	if err := c.WaitRunning("f1", 2*time.Second); err != nil {
		t.Fatalf("wait running: %v", err)
	}
	d, err := c.Join("f1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if d.Name != "f1" {
		t.Fatalf("death = %+v", d)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := Dial(addr, ClientConfig{Timeout: time.Second}); err == nil {
		t.Fatal("dial to closed port succeeded")
	}
}

func TestReconcilerFacade(t *testing.T) {
	eng, err := NewReconciler(ReconcilerConfig{Registry: NewRegistry(), Intent: emptyIntent{}})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	eng.Required().Add(Edge{
		Source: "cam",
		Sink:   "det",
		Ports:  PortPair{SourcePort: "frames", SinkPort: "in"},
		Policy: BufferPolicy(8),
	})
	if got := len(eng.Required().Edges()); got != 1 {
		t.Fatalf("required edges = %d", got)
	}
}

type emptyIntent struct{}

func (emptyIntent) RequiredEdges(string) []Edge { return nil }

func TestHistorySinkFacade(t *testing.T) {
	sink, err := NewHistorySink(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewHistorySink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
