package kvstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each key in its own file under a root directory.
// Writes go through a temp file followed by rename, so a crash mid-write
// never leaves a half-written value behind.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the root directory if needed and returns a store
// backed by it.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating kvstore directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// keyPath maps a key to a file path. Keys are escaped so separators and
// dots cannot climb out of the root.
func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.root, url.PathEscape(key)+".kv")
}

func (s *FileStore) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return string(data), true, nil
}

func (s *FileStore) Set(key, value string) error {
	path := s.keyPath(key)
	tmp, err := os.CreateTemp(s.root, ".kv-*")
	if err != nil {
		return fmt.Errorf("creating temp file for key %q: %w", key, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file for key %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing kvstore: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".kv") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".kv"))
		if err != nil {
			// Not one of ours; skip rather than fail the listing.
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *FileStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Size() (int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("listing kvstore: %w", err)
	}

	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".kv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
