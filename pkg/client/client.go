// Package client provides the Go client for a taskwire process server. One
// Client owns one TCP connection; calls are serialized on it. Out-of-band
// death notices arriving while a reply is awaited are buffered and surfaced
// through WaitTermination and Join.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loykin/taskwire/internal/protocol"
)

// DefaultTimeout bounds each request/reply round trip unless configured
// otherwise. It does not apply to WaitTermination or Join.
const DefaultTimeout = 10 * time.Second

// waitRunningPoll is the interval between is-it-running-yet probes.
const waitRunningPoll = 100 * time.Millisecond

// ErrTimeout reports that a call did not complete within its deadline. It is
// distinct from transport and protocol failures. The connection is closed:
// the late reply is still in flight and cannot be told apart from the next
// call's reply, so the client must reconnect.
var ErrTimeout = errors.New("client: request timed out")

// RefusedError is a server-side NO: the request reached the server and was
// rejected, with a reason.
type RefusedError struct {
	Message string
}

func (e *RefusedError) Error() string { return "client: request refused: " + e.Message }

// Death reports one process exit announced by the server.
type Death struct {
	Name   string
	Code   int
	Signal int
}

// Config tunes a Client. The zero value works.
type Config struct {
	// Timeout replaces DefaultTimeout for request/reply calls when non-zero.
	Timeout time.Duration
}

// Client is a connection to one process server. Safe for concurrent use;
// calls are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	br      *bufio.Reader
	timeout time.Duration
	deaths  []Death
}

// Dial connects to a process server at host:port.
func Dial(addr string, cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), timeout: timeout}, nil
}

// Close tears down the connection. Pending buffered deaths are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// roundTrip sends one command and reads the next in-band reply, buffering any
// death notices that arrive first. Caller holds c.mu. A timed-out exchange
// closes the connection: the reply is still in flight and a later call would
// otherwise consume it as its own.
func (c *Client) roundTrip(code byte, payload any, timeout time.Duration) (byte, []byte, error) {
	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if err := protocol.WriteFrame(c.conn, code, payload); err != nil {
		return 0, nil, c.fail(err)
	}
	mark, body, err := c.readReply()
	if err != nil {
		return 0, nil, c.fail(err)
	}
	return mark, body, nil
}

// fail wraps a transport error and tears the connection down when the
// exchange timed out, since the stream can no longer be re-synchronized.
func (c *Client) fail(err error) error {
	err = wrapNetErr(err)
	if errors.Is(err, ErrTimeout) {
		_ = c.conn.Close()
	}
	return err
}

// readReply reads frames until one that is not a death notice arrives.
func (c *Client) readReply() (byte, []byte, error) {
	for {
		mark, body, err := protocol.ReadFrame(c.br)
		if err != nil {
			return 0, nil, err
		}
		if mark == protocol.MarkDead {
			c.bufferDeath(body)
			continue
		}
		return mark, body, nil
	}
}

func (c *Client) bufferDeath(body []byte) {
	var n protocol.DeathNotice
	if err := protocol.Decode(body, &n); err != nil {
		return
	}
	c.deaths = append(c.deaths, Death{Name: n.Name, Code: n.Code, Signal: n.Signal})
}

func wrapNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}

// refusal turns a NO reply into a RefusedError, decoding the server message.
func refusal(body []byte) error {
	var r protocol.GenericReply
	if err := protocol.Decode(body, &r); err != nil {
		return &RefusedError{Message: "unreadable refusal"}
	}
	return &RefusedError{Message: r.Message}
}

// GetPID returns the PID of a live process, or a RefusedError when it is not
// running.
func (c *Client) GetPID(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mark, body, err := c.roundTrip(protocol.CmdGetPID, protocol.PidRequest{Base: protocol.NewBase(), Name: name}, c.timeout)
	if err != nil {
		return 0, err
	}
	if mark != protocol.MarkYes {
		return 0, refusal(body)
	}
	var r protocol.PidReply
	if err := protocol.Decode(body, &r); err != nil {
		return 0, err
	}
	return r.PID, nil
}

// Info returns the server's process table and client count.
func (c *Client) Info() (protocol.InfoReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r protocol.InfoReply
	mark, body, err := c.roundTrip(protocol.CmdGetInfo, protocol.Base{V: protocol.Version}, c.timeout)
	if err != nil {
		return r, err
	}
	if mark != protocol.MarkYes {
		return r, refusal(body)
	}
	err = protocol.Decode(body, &r)
	return r, err
}

// CreateLog creates a time-tagged log directory on the server and returns its
// path. Subsequent starts place their working directories under it.
func (c *Client) CreateLog(timeTag string, metadata map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.CreateLogRequest{Base: protocol.NewBase(), TimeTag: timeTag, Metadata: metadata}
	mark, body, err := c.roundTrip(protocol.CmdCreateLog, req, c.timeout)
	if err != nil {
		return "", err
	}
	if mark != protocol.MarkYes {
		return "", refusal(body)
	}
	var r protocol.CreateLogReply
	if err := protocol.Decode(body, &r); err != nil {
		return "", err
	}
	return r.Dir, nil
}

// StartOptions carries the optional parts of a start request.
type StartOptions struct {
	Args         []string
	Env          []string
	NameMappings map[string]string
}

// Start spawns a deployment under the given process name and returns its PID.
func (c *Client) Start(name, deployment string, opts StartOptions) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.StartRequest{
		Base:         protocol.NewBase(),
		Name:         name,
		Deployment:   deployment,
		Args:         opts.Args,
		Env:          opts.Env,
		NameMappings: opts.NameMappings,
	}
	mark, body, err := c.roundTrip(protocol.CmdStart, req, c.timeout)
	if err != nil {
		return 0, err
	}
	if mark != protocol.MarkStarted {
		return 0, refusal(body)
	}
	var r protocol.StartReply
	if err := protocol.Decode(body, &r); err != nil {
		return 0, err
	}
	return r.PID, nil
}

// End asks the server to stop one process. The acknowledgment only confirms
// the signal was sent; use Join to observe the exit.
func (c *Client) End(name string, hard, cleanup bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.EndRequest{Base: protocol.NewBase(), Name: name, Hard: hard, Cleanup: cleanup}
	mark, body, err := c.roundTrip(protocol.CmdEnd, req, c.timeout)
	if err != nil {
		return err
	}
	if mark != protocol.MarkYes {
		return refusal(body)
	}
	return nil
}

// KillAll stops every process on the server and returns their exit records.
// The call deadline is the server timeout plus slack so a slow teardown is
// reported by the server, not cut off by the transport.
func (c *Client) KillAll(timeout time.Duration) ([]protocol.ExitRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.KillAllRequest{Base: protocol.NewBase(), TimeoutMS: timeout.Milliseconds()}
	mark, body, err := c.roundTrip(protocol.CmdKillAll, req, timeout+DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if mark != protocol.MarkYes {
		return nil, refusal(body)
	}
	var r protocol.KillAllReply
	if err := protocol.Decode(body, &r); err != nil {
		return nil, err
	}
	return r.Exits, nil
}

// Quit asks the server to shut itself down.
func (c *Client) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mark, body, err := c.roundTrip(protocol.CmdQuit, protocol.Base{V: protocol.Version}, c.timeout)
	if err != nil {
		return err
	}
	if mark != protocol.MarkYes {
		return refusal(body)
	}
	return nil
}

// UploadSpec describes one log file transfer to a remote archive.
type UploadSpec struct {
	Host           string
	Port           int
	User           string
	Password       string
	CertPEM        []byte
	Path           string
	MaxBytesPerSec int
}

// Upload enqueues a transfer on the server and returns the job ID.
func (c *Client) Upload(spec UploadSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.UploadRequest{
		Base:           protocol.NewBase(),
		Host:           spec.Host,
		Port:           spec.Port,
		User:           spec.User,
		Password:       spec.Password,
		CertPEM:        spec.CertPEM,
		Path:           spec.Path,
		MaxBytesPerSec: spec.MaxBytesPerSec,
	}
	mark, body, err := c.roundTrip(protocol.CmdUploadFile, req, c.timeout)
	if err != nil {
		return "", err
	}
	if mark != protocol.MarkYes {
		return "", refusal(body)
	}
	var r protocol.GenericReply
	if err := protocol.Decode(body, &r); err != nil {
		return "", err
	}
	return r.Message, nil
}

// UploadState returns the pending transfer count and drains finished results.
func (c *Client) UploadState() (int, []protocol.UploadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mark, body, err := c.roundTrip(protocol.CmdUploadState, protocol.Base{V: protocol.Version}, c.timeout)
	if err != nil {
		return 0, nil, err
	}
	if mark != protocol.MarkYes {
		return 0, nil, refusal(body)
	}
	var r protocol.UploadStateReply
	if err := protocol.Decode(body, &r); err != nil {
		return 0, nil, err
	}
	return r.Pending, r.Results, nil
}

// WaitRunning polls the server until the named process is running or the
// timeout expires. A zero timeout makes a single probe.
func (c *Client) WaitRunning(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := c.probeRunning(name)
		if err == nil {
			return nil
		}
		var re *RefusedError
		if !errors.As(err, &re) {
			return err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(waitRunningPoll)
	}
}

func (c *Client) probeRunning(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := protocol.WaitRunningRequest{Base: protocol.NewBase(), Name: name}
	mark, body, err := c.roundTrip(protocol.CmdWaitRunning, req, c.timeout)
	if err != nil {
		return err
	}
	if mark != protocol.MarkYes {
		return refusal(body)
	}
	return nil
}

// WaitTermination drains every death already buffered, keyed by process name.
// When none are buffered it waits for at most one death notice from the wire;
// a zero timeout waits without bound. An expired wait returns an empty map,
// not an error; errors mean the connection itself failed.
func (c *Client) WaitTermination(timeout time.Duration) (map[string]Death, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deaths) > 0 {
		out := make(map[string]Death, len(c.deaths))
		for _, d := range c.deaths {
			out[d.Name] = d
		}
		c.deaths = nil
		return out, nil
	}
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	mark, body, err := protocol.ReadFrame(c.br)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return map[string]Death{}, nil
		}
		return nil, wrapNetErr(err)
	}
	if mark != protocol.MarkDead {
		// Nothing else should be in flight; a stray frame means the stream
		// is out of sync.
		return nil, protocol.ErrMalformed
	}
	var n protocol.DeathNotice
	if err := protocol.Decode(body, &n); err != nil {
		return nil, err
	}
	d := Death{Name: n.Name, Code: n.Code, Signal: n.Signal}
	return map[string]Death{d.Name: d}, nil
}

// Join blocks until the named process dies, buffering death notices for
// other processes along the way.
func (c *Client) Join(name string) (Death, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.deaths {
		if d.Name == name {
			c.deaths = append(c.deaths[:i], c.deaths[i+1:]...)
			return d, nil
		}
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	for {
		mark, body, err := protocol.ReadFrame(c.br)
		if err != nil {
			return Death{}, wrapNetErr(err)
		}
		if mark != protocol.MarkDead {
			return Death{}, protocol.ErrMalformed
		}
		var n protocol.DeathNotice
		if err := protocol.Decode(body, &n); err != nil {
			return Death{}, err
		}
		d := Death{Name: n.Name, Code: n.Code, Signal: n.Signal}
		if d.Name == name {
			return d, nil
		}
		c.deaths = append(c.deaths, d)
	}
}
