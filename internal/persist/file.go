package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voltagent/voltagent/internal/state"
)

// FileStore persists the latest state snapshot as a JSON file. It is the
// zero-infrastructure backend for single-node deployments.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed snapshot store. Parent directories are
// created on the first Save.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot file path cannot be empty")
	}
	return &FileStore{path: path}, nil
}

// Save writes the snapshot atomically: a temp file in the same directory is
// renamed over the target so readers never see a partial write.
func (f *FileStore) Save(_ context.Context, snap state.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is not an error; it returns
// nil so a fresh deployment starts empty.
func (f *FileStore) Load(_ context.Context) (*state.Snapshot, error) {
	payload, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot file: %w", err)
	}
	return &snap, nil
}
