// Package state persists SyncState as a small JSON file. The write path is
// atomic (temp file + rename) with 0600 permissions, matching how the rest
// of the app treats on-disk state.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"schedsync/internal/model"
)

// FileStore is a file-backed sync.StateStore.
type FileStore struct {
	path string
}

// NewFileStore returns a store persisting to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored state. A missing file yields a fresh disabled
// state, not an error; a corrupt file is an error the orchestrator treats
// as recoverable.
func (s *FileStore) Load() (*model.SyncState, error) {
	if s.path == "" {
		return nil, errors.New("state path is empty")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NewSyncState(), nil
		}
		return nil, err
	}

	var st model.SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Mapping == nil {
		st.Mapping = map[string]string{}
	}
	return &st, nil
}

// Save writes the state atomically.
func (s *FileStore) Save(st *model.SyncState) error {
	if s.path == "" {
		return errors.New("state path is empty")
	}
	if st == nil {
		return errors.New("state is nil")
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsync, chmod 0600 and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".schedsync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
