package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/taskwire/internal/dataflow"
)

// RecordConnections returns a hook for the reconciler's applied-operation
// callback that exports every confirmed connect and disconnect to the given
// sinks. Delivery is best effort; a failing sink is logged and skipped.
func RecordConnections(log *slog.Logger, sinks ...Sink) func(op string, edge dataflow.Edge) {
	if log == nil {
		log = slog.Default()
	}
	return func(op string, edge dataflow.Edge) {
		t := EventConnect
		if op == "disconnect" {
			t = EventDisconnect
		}
		e := Event{
			Type:       t,
			OccurredAt: time.Now(),
			Source:     edge.Source,
			SourcePort: edge.Ports.SourcePort,
			Sink:       edge.Sink,
			SinkPort:   edge.Ports.SinkPort,
		}
		for _, s := range sinks {
			if err := s.Send(context.Background(), e); err != nil {
				log.Warn("history sink send failed", "type", e.Type, "error", err)
			}
		}
	}
}
