package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hostcraft/hostd/internal/hostmodel"
)

// FileStore persists one JSON document per server id under a directory,
// written via a temp-file-then-rename so a reader never observes a
// partial write -- the same pattern the agent's offline journal uses for
// its own file-backed state.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// OpenFile creates a FileStore rooted at dir, creating the directory if
// necessary.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(serverID string) string {
	return filepath.Join(s.dir, serverID+".json")
}

// Load returns the persisted state for serverID, or a freshly initialized
// empty state if no file exists yet.
func (s *FileStore) Load(serverID string) (*hostmodel.ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(serverID))
	if os.IsNotExist(err) {
		return hostmodel.NewServerState(serverID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server state: %w", err)
	}

	var state hostmodel.ServerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal server state: %w", err)
	}
	if state.Containers == nil {
		state.Containers = map[string]hostmodel.ContainerResource{}
	}
	if state.Configuration == nil {
		state.Configuration = map[string]string{}
	}
	return &state, nil
}

// Store atomically persists state under serverID as a whole document via
// write-to-temp-then-rename, which is atomic on the same filesystem.
func (s *FileStore) Store(serverID string, state *hostmodel.ServerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(serverID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp server state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename server state into place: %w", err)
	}
	return nil
}

// Close is a no-op for FileStore; there is no handle to release.
func (s *FileStore) Close() error { return nil }
