// Package history exports lifecycle events (process spawns and deaths,
// confirmed connection changes) to external analytics sinks. Delivery is
// best effort; a failing sink never affects the server or the reconciler.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventProcessStart EventType = "process_start"
	EventProcessStop  EventType = "process_stop"
	EventConnect      EventType = "connect"
	EventDisconnect   EventType = "disconnect"
)

// Event is one exported record. For process events Task is the process name
// and PID/ExitCode are set; for connection events Source/Sink describe the
// edge.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Task       string    `json:"task,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Source     string    `json:"source,omitempty"`
	SourcePort string    `json:"source_port,omitempty"`
	Sink       string    `json:"sink,omitempty"`
	SinkPort   string    `json:"sink_port,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
