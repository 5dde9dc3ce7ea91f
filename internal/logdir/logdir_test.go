package logdir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndReadMetadata(t *testing.T) {
	root := t.TempDir()
	dir, err := Create(root, "20260825-1200", map[string]string{"robot": "alpha"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Base(dir) != "20260825-1200" {
		t.Fatalf("dir = %s", dir)
	}
	md, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.TimeTag != "20260825-1200" || md.Extra["robot"] != "alpha" {
		t.Fatalf("metadata = %+v", md)
	}
	if md.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
}

func TestCreateCollisionSuffix(t *testing.T) {
	root := t.TempDir()
	first, err := Create(root, "run", nil)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := Create(root, "run", nil)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second == first {
		t.Fatal("collision not suffixed")
	}
	if filepath.Base(second) != "run.1" {
		t.Fatalf("second = %s, want run.1", second)
	}
	third, err := Create(root, "run", nil)
	if err != nil {
		t.Fatalf("third Create: %v", err)
	}
	if filepath.Base(third) != "run.2" {
		t.Fatalf("third = %s, want run.2", third)
	}
}

func TestCreateDefaultTimeTag(t *testing.T) {
	root := t.TempDir()
	dir, err := Create(root, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	md, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.TimeTag == "" {
		t.Fatal("default time tag empty")
	}
}

func TestReadMetadataMissing(t *testing.T) {
	if _, err := ReadMetadata(t.TempDir()); !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}
