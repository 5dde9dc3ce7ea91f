package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/taskwire/internal/history"
)

// Sink implements history.Sink for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			task TEXT,
			pid INTEGER,
			exit_code INTEGER,
			source TEXT,
			source_port TEXT,
			sink TEXT,
			sink_port TEXT,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_task ON lifecycle_events(task);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_type ON lifecycle_events(type);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(type, occurred_at, task, pid, exit_code, source, source_port, sink, sink_port, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.OccurredAt.UTC(), e.Task, e.PID, e.ExitCode,
		e.Source, e.SourcePort, e.Sink, e.SinkPort, e.Detail)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
