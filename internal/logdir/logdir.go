// Package logdir manages the lifecycle of per-run log directories: creation
// under a server log root, and the metadata file read back when a directory
// is relocated or archived.
package logdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataFile is written once at directory creation.
const MetadataFile = "taskwire-meta.json"

// Metadata records the creation time tag plus arbitrary caller-supplied
// entries (parent application identity, robot identity, ...).
type Metadata struct {
	TimeTag   string            `json:"time_tag"`
	CreatedAt time.Time         `json:"created_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Create makes a fresh directory under root for the given time tag and writes
// its metadata file. If a directory for the tag already exists, a numeric
// suffix is appended (.1, .2, ...) so old runs are never clobbered.
func Create(root, timeTag string, extra map[string]string) (string, error) {
	if timeTag == "" {
		timeTag = time.Now().Format("20060102-1504")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("log root: %w", err)
	}
	dir := filepath.Join(root, timeTag)
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create log dir: %w", err)
		}
		dir = filepath.Join(root, fmt.Sprintf("%s.%d", timeTag, i))
	}
	md := Metadata{TimeTag: timeTag, CreatedAt: time.Now().UTC(), Extra: extra}
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), b, 0o600); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return dir, nil
}

// ReadMetadata loads the metadata file from dir.
func ReadMetadata(dir string) (Metadata, error) {
	var md Metadata
	b, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return md, fmt.Errorf("parse metadata: %w", err)
	}
	return md, nil
}
