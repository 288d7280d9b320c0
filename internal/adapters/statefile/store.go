package statefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// Store persists domain.PersistedState as a JSON document.
// Writes go to a temp file that is renamed over the target; the previous
// valid document is kept next to it with a ".backup" suffix.
type Store struct {
	path   string
	logger ports.Logger
}

// Config holds configuration for the state file store.
type Config struct {
	Path   string
	Logger ports.Logger
}

// NewStore creates the parent directory and returns a store for cfg.Path.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for state store")
	}
	path := cfg.Path
	if path == "" {
		path = "./data/state.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory '%s': %w", filepath.Dir(path), err)
	}
	return &Store{path: path, logger: cfg.Logger}, nil
}

// Path returns the primary state file location.
func (s *Store) Path() string { return s.path }

func (s *Store) backupPath() string { return s.path + ".backup" }

// Save writes the state atomically.
func (s *Store) Save(ctx context.Context, state *domain.PersistedState) error {
	op := "StateSave"
	if state == nil {
		return fmt.Errorf("%s failed: %w: nil state", op, ports.ErrInvalidRequest)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%s failed: encode: %w", op, err)
	}

	if current, err := os.ReadFile(s.path); err == nil {
		if _, ok := decode(current); ok {
			if err := writeAtomic(s.backupPath(), current); err != nil {
				s.logger.Warn(ctx, "State backup failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	s.logger.Debug(ctx, "State saved", map[string]interface{}{"path": s.path})
	return nil
}

// Load returns the last saved state, or nil, nil when no usable document exists.
// An empty or corrupt primary file is deleted before falling back to the backup.
func (s *Store) Load(ctx context.Context) (*domain.PersistedState, error) {
	state, err := s.loadFile(ctx, s.path)
	if err != nil {
		return nil, err
	}
	if state != nil {
		s.logger.Info(ctx, "State restored", map[string]interface{}{"lastUpdate": state.LastUpdate})
		return state, nil
	}

	state, err = s.loadFile(ctx, s.backupPath())
	if err != nil || state == nil {
		return nil, err
	}
	s.logger.Warn(ctx, "State restored from backup", map[string]interface{}{"lastUpdate": state.LastUpdate})
	if data, mErr := json.MarshalIndent(state, "", "  "); mErr == nil {
		if wErr := writeAtomic(s.path, data); wErr != nil {
			s.logger.Warn(ctx, "Failed to rewrite state from backup", map[string]interface{}{"error": wErr.Error()})
		}
	}
	return state, nil
}

// Clear removes both the state file and its backup.
func (s *Store) Clear(ctx context.Context) error {
	for _, p := range []string{s.path, s.backupPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("StateClear failed: %w", err)
		}
	}
	s.logger.Info(ctx, "State cleared", map[string]interface{}{"path": s.path})
	return nil
}

func (s *Store) loadFile(ctx context.Context, path string) (*domain.PersistedState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("StateLoad failed: read %s: %w", path, err)
	}
	state, ok := decode(data)
	if ok {
		return state, nil
	}
	s.logger.Warn(ctx, "State file empty or corrupt, deleting", map[string]interface{}{
		"path":  path,
		"error": ports.ErrStateCorrupt.Error(),
	})
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error(ctx, err, "Failed to delete corrupt state file", map[string]interface{}{"path": path})
	}
	return nil, nil
}

func decode(data []byte) (*domain.PersistedState, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var state domain.PersistedState
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return nil, false
	}
	return &state, true
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

var _ ports.StateStore = (*Store)(nil)
