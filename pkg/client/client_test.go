package client

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/loykin/taskwire/internal/protocol"
)

// slowServer accepts one connection, swallows every request, and answers the
// first one only after the given delay.
func slowServer(t *testing.T, delay time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		br := bufio.NewReader(conn)
		if _, _, err := protocol.ReadFrame(br); err != nil {
			return
		}
		time.Sleep(delay)
		_ = protocol.WriteFrame(conn, protocol.MarkYes, protocol.PidReply{Base: protocol.NewBase(), PID: 1})
	}()
	return ln.Addr().String()
}

func TestTimeoutClosesConnection(t *testing.T) {
	addr := slowServer(t, 2*time.Second)
	c, err := Dial(addr, Config{Timeout: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.GetPID("x"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("GetPID = %v, want ErrTimeout", err)
	}

	// The late reply must never be read as the next call's answer; the
	// connection is gone and the call fails outright.
	_, err = c.GetPID("x")
	if err == nil {
		t.Fatal("call after timeout succeeded against a poisoned stream")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("call after timeout = ErrTimeout, want a closed-connection error")
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := Dial(addr, Config{Timeout: time.Second}); err == nil {
		t.Fatal("Dial to a closed port succeeded")
	}
}
