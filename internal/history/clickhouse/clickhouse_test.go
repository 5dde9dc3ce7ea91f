package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/taskwire/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return clickHouseContainer, host + ":" + port.Port()
}

// setupSinkWithTable creates a sink and the backing events table
func setupSinkWithTable(ctx context.Context, t *testing.T, addr, tableName string) *Sink {
	t.Helper()

	sink, err := New(addr, tableName)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	err = sink.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			type String,
			occurred_at DateTime64(6),
			task String,
			pid Int32,
			exit_code Int32,
			source String,
			source_port String,
			sink String,
			sink_port String,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, task)
	`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return sink
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink := setupSinkWithTable(ctx, t, addr, "lifecycle_events")
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	events := []history.Event{
		{Type: history.EventProcessStart, OccurredAt: time.Now().UTC(), Task: "cam", PID: 77},
		{Type: history.EventDisconnect, OccurredAt: time.Now().UTC(), Source: "cam", SourcePort: "frames", Sink: "det", SinkPort: "in"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var n uint64
	row := sink.conn.QueryRow(ctx, `SELECT COUNT(*) FROM lifecycle_events`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if n != uint64(len(events)) {
		t.Fatalf("rows = %d, want %d", n, len(events))
	}
}

func TestUnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}
	if _, err := New("127.0.0.1:1", "lifecycle_events"); err == nil {
		t.Fatal("New against closed port succeeded")
	}
}
