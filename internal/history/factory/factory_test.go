package factory

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteDSNs(t *testing.T) {
	for _, dsn := range []string{
		filepath.Join(t.TempDir(), "a.db"),
		"sqlite://" + filepath.Join(t.TempDir(), "b.db"),
		"sqlite://:memory:",
	} {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("NewSinkFromDSN(%s): %v", dsn, err)
		}
		_ = sink.Close()
	}
}

func TestEmptyDSN(t *testing.T) {
	if _, err := NewSinkFromDSN("  "); err == nil {
		t.Fatal("empty DSN accepted")
	}
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := NewSinkFromDSN("redis://localhost:6379")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err = %v", err)
	}
}
