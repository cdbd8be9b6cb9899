package vector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tubeqa/internal/apperr"
)

const snapshotSuffix = ".snapshot.json.gz"

// FileStore keeps one snapshot file per index id under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+snapshotSuffix)
}

// Save writes the snapshot to a temporary file and renames it into place so
// readers never see a partial snapshot.
func (s *FileStore) Save(ix *Index) error {
	tmp, err := os.CreateTemp(s.dir, ix.ID()+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := ix.Snapshot(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), s.path(ix.ID()))
}

func (s *FileStore) Open(id string) (*Index, error) {
	f, err := os.Open(s.path(id)) // #nosec G304 -- path is built from the configured snapshot dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()

	ix, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return ix, nil
}

// Exists reports whether a snapshot file is stored for id, readable or not.
func (s *FileStore) Exists(id string) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List returns the ids of all stored snapshots.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, snapshotSuffix) {
			ids = append(ids, strings.TrimSuffix(name, snapshotSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
