package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryVault is an in-memory implementation of the Vault interface,
// useful for testing. Safe for concurrent use.
type MemoryVault struct {
	name string
	mu   sync.RWMutex
	data map[string][]byte   // "deviceID/name" -> snapshot bytes
	meta map[string]Snapshot // "deviceID/name" -> metadata
}

var _ Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name: name,
		data: make(map[string][]byte),
		meta: make(map[string]Snapshot),
	}
}

func snapshotKey(deviceID, name string) string {
	return deviceID + "/" + name
}

func (m *MemoryVault) PutSnapshot(_ context.Context, meta Snapshot, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if meta.Size > 0 && int64(len(data)) != meta.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", meta.Size, len(data))
	}
	meta.Size = int64(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapshotKey(meta.DeviceID, meta.Name)
	m.data[key] = data
	m.meta[key] = meta
	return nil
}

func (m *MemoryVault) GetSnapshot(_ context.Context, deviceID, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[snapshotKey(deviceID, name)]
	if !ok {
		return fmt.Errorf("snapshot %q not found for device %s", name, deviceID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

func (m *MemoryVault) ListSnapshots(_ context.Context, deviceID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, meta := range m.meta {
		if meta.DeviceID == deviceID {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ValidateSetup always succeeds for the in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}
