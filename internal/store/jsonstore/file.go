package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jun/drivebot/internal/store"
)

// FilePerms restricts store files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// collection is one key space persisted as a single JSON object file.
// Every mutation rewrites the whole file under mu.
type collection[V any] struct {
	path  string
	mu    sync.Mutex
	items map[string]V
}

// load reads a record set from disk. A missing file is an empty set.
func load[V any](path string) (map[string]V, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]V), nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonstore: reading %s: %w", path, err)
	}

	items := make(map[string]V)
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("jsonstore: decoding %s: %w: %v", path, store.ErrStoreCorrupt, err)
	}
	// A literal null decodes into a nil map.
	if items == nil {
		items = make(map[string]V)
	}
	return items, nil
}

// openCollection loads path. A corrupt file is moved aside and the
// collection starts empty.
func openCollection[V any](path string, logger *slog.Logger) (*collection[V], error) {
	items, err := load[V](path)
	if errors.Is(err, store.ErrStoreCorrupt) {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, backup); renameErr != nil {
			logger.Error("Failed to move corrupt store file aside", "path", path, "error", renameErr)
			backup = ""
		}
		logger.Warn("Store file corrupt, starting empty", "path", path, "backup", backup, "error", err)
		items = make(map[string]V)
	} else if err != nil {
		return nil, err
	}

	return &collection[V]{path: path, items: items}, nil
}

// view runs fn with the current record set. fn must not retain or modify it.
func (c *collection[V]) view(fn func(items map[string]V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.items)
}

// update applies fn to a copy of the record set and flushes it. The
// in-memory state only changes when fn and the flush both succeed.
func (c *collection[V]) update(fn func(items map[string]V) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := maps.Clone(c.items)
	if err := fn(next); err != nil {
		return err
	}
	if err := writeFile(c.path, next); err != nil {
		return err
	}
	c.items = next
	return nil
}

// writeFile writes v to path atomically (write-to-temp + fsync + rename)
// with 0600 permissions.
func writeFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("jsonstore: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("jsonstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonstore: setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonstore: writing: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonstore: syncing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonstore: closing: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("jsonstore: renaming: %w", err)
	}

	success = true
	return nil
}
