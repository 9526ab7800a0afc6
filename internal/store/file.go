package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileStore implements Persister with one JSON file per key under a
// directory. Writes go to a temp file and are renamed into place so a
// reader never observes a partial blob. Watch uses fsnotify so several
// processes sharing the directory see each other's commits.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a file store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+fileName(key)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// Watch watches the state directory and calls onChange when the file for
// key is written, created or renamed into place.
func (s *FileStore) Watch(ctx context.Context, key string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch state %s: %w", key, err)
	}
	defer w.Close()

	// Watch the directory, not the file: rename-into-place replaces the
	// inode and would drop a file watch.
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch state dir %s: %w", s.dir, err)
	}

	target := fileName(key)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch state %s: %w", key, err)
		}
	}
}

// fileName maps a namespaced key such as "kalshi-clone:account:v1" to a
// safe file name.
func fileName(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	return r.Replace(key) + ".json"
}
