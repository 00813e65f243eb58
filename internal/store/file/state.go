package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/wxbridge/internal/store"
)

// StateFileName is the dedup state file inside the data directory.
const StateFileName = "dedup_state.json"

// StateStore implements store.StateStore backed by a single JSON file.
type StateStore struct {
	dir  string
	path string
	mu   sync.Mutex
}

// NewStateStore creates the data directory if needed.
func NewStateStore(dataDir string) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &StateStore{dir: dataDir, path: filepath.Join(dataDir, StateFileName)}, nil
}

func (s *StateStore) Location() string { return s.path }

func (s *StateStore) Close() error { return nil }

// Load reads the state file. A missing file yields empty state.
func (s *StateStore) Load(_ context.Context) (store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return store.State{}, nil
	}
	if err != nil {
		return store.State{}, fmt.Errorf("read state: %w", err)
	}

	var st store.State
	if err := json.Unmarshal(data, &st); err != nil {
		return store.State{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptState, s.path, err)
	}
	return st, nil
}

// Save persists the state atomically: temp file in the same dir, fsync, rename.
func (s *StateStore) Save(_ context.Context, st store.State) error {
	if st.Entries == nil {
		st.Entries = []store.Entry{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpFile, err := os.CreateTemp(s.dir, "dedup_state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
