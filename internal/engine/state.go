package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// FileStateStore keeps the engine state in a JSON file
type FileStateStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStateStore creates a store writing to path
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// DefaultStatePath returns state.json in the settings directory
func DefaultStatePath() (string, error) {
	dir, err := models.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

// LoadState reads the state file. A missing file yields a fresh state.
func (f *FileStateStore) LoadState() (models.EngineState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewEngineState(), nil
		}
		return models.EngineState{}, fmt.Errorf("read state: %w", err)
	}

	state := models.NewEngineState()
	if err := json.Unmarshal(data, &state); err != nil {
		return models.EngineState{}, fmt.Errorf("parse state: %w", err)
	}
	return state, nil
}

// SaveState writes the state file atomically
func (f *FileStateStore) SaveState(state models.EngineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, f.path)
}
