// Package vault stores database snapshots off-device. A vault is a dumb
// byte sink keyed by device and snapshot name; it never inspects snapshot
// contents, so encrypted and plaintext snapshots travel the same path.
package vault

import (
	"context"
	"io"
	"time"
)

// Snapshot describes one stored snapshot.
type Snapshot struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Encrypted bool      `json:"encrypted"`
}

// Vault stores and retrieves snapshots.
type Vault interface {
	// PutSnapshot stores the snapshot read from r. Storing the same
	// device/name pair again overwrites the previous copy.
	PutSnapshot(ctx context.Context, meta Snapshot, r io.Reader) error

	// GetSnapshot writes the named snapshot to w.
	GetSnapshot(ctx context.Context, deviceID, name string, w io.Writer) error

	// ListSnapshots returns the snapshots stored for a device, newest first.
	ListSnapshots(ctx context.Context, deviceID string) ([]Snapshot, error)

	// ValidateSetup verifies the vault is reachable and writable enough
	// to accept snapshots.
	ValidateSetup(ctx context.Context) error
}
