package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"winrate-watch/internal/rules"
)

// FileStore keeps the committed state in one JSON file. Commit writes a
// temporary sibling and renames it over the old file.
type FileStore struct {
	path string
}

// NewFileStore returns a store rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the committed state; a missing file yields the empty state.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.path == "" {
		return State{}, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read baseline: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode baseline %s: %w", s.path, err)
	}
	return state, nil
}

// Commit atomically replaces the committed state.
func (s *FileStore) Commit(ctx context.Context, state State) error {
	if s == nil || s.path == "" {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".baseline-*.json")
	if err != nil {
		return fmt.Errorf("create baseline temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync baseline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close baseline: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("swap baseline: %w", err)
	}
	return nil
}

// ListRecentAlerts returns the alerts of the committed run, newest first.
// The file backend keeps no history beyond the latest run.
func (s *FileStore) ListRecentAlerts(ctx context.Context, limit int) ([]rules.Alert, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	alerts := append([]rules.Alert(nil), state.Alerts...)
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].FiredAt.After(alerts[j].FiredAt) })
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

var (
	_ Store    = (*FileStore)(nil)
	_ AlertLog = (*FileStore)(nil)
)
