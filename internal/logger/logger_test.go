package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", false)
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record passed warn filter: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud", false)
	log.Debug("hidden")
	log.Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestWritersFromDir(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := Config{Dir: dir}.Writers("det")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if _, err := outW.Write([]byte("out line\n")); err != nil {
		t.Fatalf("stdout write: %v", err)
	}
	if _, err := errW.Write([]byte("err line\n")); err != nil {
		t.Fatalf("stderr write: %v", err)
	}
	_ = outW.Close()
	_ = errW.Close()

	got, err := os.ReadFile(filepath.Join(dir, "det.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if string(got) != "out line\n" {
		t.Fatalf("stdout log = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "det.stderr.log")); err != nil {
		t.Fatalf("stderr log: %v", err)
	}
}

func TestWritersExplicitPathOverridesDir(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "custom.log")
	outW, _, err := Config{Dir: dir, StdoutPath: explicit}.Writers("det")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if _, err := outW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = outW.Close()
	if _, err := os.Stat(explicit); err != nil {
		t.Fatalf("explicit path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "det.stdout.log")); !os.IsNotExist(err) {
		t.Fatalf("derived stdout path created anyway: %v", err)
	}
}

func TestWritersNilWithoutDestination(t *testing.T) {
	outW, errW, err := Config{}.Writers("det")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatal("writers created with no destination configured")
	}
}
