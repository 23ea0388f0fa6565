package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSystemVault stores snapshots under a directory tree:
//
//	<root>/
//	  <deviceID>/
//	    <name>.snap       (snapshot bytes)
//	    <name>.meta.json  (metadata sidecar)
type FileSystemVault struct {
	name string
	root string
}

var _ Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}
	return &FileSystemVault{name: name, root: root}, nil
}

func (v *FileSystemVault) PutSnapshot(_ context.Context, meta Snapshot, r io.Reader) error {
	dir := filepath.Join(v.root, meta.DeviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating device directory: %w", err)
	}

	written, err := v.writeFile(filepath.Join(dir, meta.Name+".snap"), r)
	if err != nil {
		return err
	}
	if meta.Size > 0 && written != meta.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", meta.Size, written)
	}
	meta.Size = written

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, meta.Name+".meta.json"), metaData, 0644); err != nil {
		return fmt.Errorf("writing snapshot metadata: %w", err)
	}
	return nil
}

func (v *FileSystemVault) GetSnapshot(_ context.Context, deviceID, name string, w io.Writer) error {
	f, err := os.Open(filepath.Join(v.root, deviceID, name+".snap"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("snapshot %q not found for device %s", name, deviceID)
		}
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	return nil
}

func (v *FileSystemVault) ListSnapshots(_ context.Context, deviceID string) ([]Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(v.root, deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading device directory: %w", err)
	}

	var out []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.root, deviceID, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading snapshot metadata: %w", err)
		}
		var meta Snapshot
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("decoding snapshot metadata %s: %w", entry.Name(), err)
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ValidateSetup verifies the vault root exists and is a directory.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	return nil
}

// writeFile writes data from r to the specified path using atomic write
// (temp file + rename) and returns the number of bytes written.
func (v *FileSystemVault) writeFile(destPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("writing snapshot data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return written, nil
}
