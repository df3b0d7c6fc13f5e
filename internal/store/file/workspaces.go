package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/gopylon/internal/workspace"
)

const workspacesFile = "workspaces.json"

// WorkspaceStore persists the workspace tree as a single JSON document at
// <dir>/workspaces.json. Saves are atomic, so a crash mid-write leaves the
// previous tree intact.
type WorkspaceStore struct {
	path string
}

// NewWorkspaceStore opens (or creates) the data directory.
func NewWorkspaceStore(dir string) (*WorkspaceStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &WorkspaceStore{path: filepath.Join(dir, workspacesFile)}, nil
}

// Load reads the last saved tree. A missing file is a fresh start, not an
// error.
func (s *WorkspaceStore) Load() (*workspace.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces: %w", err)
	}
	var st workspace.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse workspaces: %w", err)
	}
	return &st, nil
}

// Save writes the snapshot atomically: temp file, sync, rename.
func (s *WorkspaceStore) Save(st *workspace.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "workspaces-*.tmp")
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
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
