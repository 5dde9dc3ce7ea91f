package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/taskwire/internal/history"
)

func TestSendAndQueryBack(t *testing.T) {
	sink, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventProcessStart, OccurredAt: time.Now().UTC(), Task: "cam", PID: 101},
		{Type: history.EventProcessStop, OccurredAt: time.Now().UTC(), Task: "cam", PID: 101, ExitCode: 1},
		{Type: history.EventConnect, OccurredAt: time.Now().UTC(), Source: "cam", SourcePort: "frames", Sink: "det", SinkPort: "in"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Send(%s): %v", e.Type, err)
		}
	}

	var n int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lifecycle_events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("rows = %d, want 3", n)
	}

	var task string
	var pid, code int
	err = sink.db.QueryRowContext(ctx,
		`SELECT task, pid, exit_code FROM lifecycle_events WHERE type = ?`, string(history.EventProcessStop)).
		Scan(&task, &pid, &code)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if task != "cam" || pid != 101 || code != 1 {
		t.Fatalf("row = %s/%d/%d", task, pid, code)
	}

	var src, sinkTask string
	err = sink.db.QueryRowContext(ctx,
		`SELECT source, sink FROM lifecycle_events WHERE type = ?`, string(history.EventConnect)).
		Scan(&src, &sinkTask)
	if err != nil {
		t.Fatalf("select connect: %v", err)
	}
	if src != "cam" || sinkTask != "det" {
		t.Fatalf("connect row = %s -> %s", src, sinkTask)
	}
}

func TestInMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()
	e := history.Event{Type: history.EventProcessStart, OccurredAt: time.Now().UTC(), Task: "t", PID: 1}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New with empty path succeeded")
	}
	if _, err := New("sqlite://"); err == nil {
		t.Fatal("New with bare scheme succeeded")
	}
}
