package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/statelayer/statelayer/store"
)

// FileAdapter persists snapshots to a single JSON file. Writes go
// through a temp file and rename so a crash mid-save never leaves a
// torn snapshot behind.
type FileAdapter struct {
	path string
}

// NewFileAdapter creates a file adapter writing to path.
func NewFileAdapter(path string) *FileAdapter {
	return &FileAdapter{path: path}
}

// Load implements Adapter.
func (f *FileAdapter) Load(_ context.Context) (store.StateTree, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return DecodeSnapshot(data)
}

// Save implements Adapter.
func (f *FileAdapter) Save(_ context.Context, tree store.StateTree) error {
	data, err := EncodeSnapshot(tree)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}
