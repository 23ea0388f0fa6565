package vault_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"labsync/internal/vault"
)

var snapTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func testVaults(t *testing.T) map[string]vault.Vault {
	t.Helper()
	fs, err := vault.NewFileSystemVault("fs", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault: %v", err)
	}
	return map[string]vault.Vault{
		"memory":     vault.NewMemoryVault("mem"),
		"filesystem": fs,
	}
}

func put(t *testing.T, v vault.Vault, device, name, contents string, createdAt time.Time) {
	t.Helper()
	meta := vault.Snapshot{
		DeviceID:  device,
		Name:      name,
		Size:      int64(len(contents)),
		CreatedAt: createdAt,
	}
	if err := v.PutSnapshot(context.Background(), meta, strings.NewReader(contents)); err != nil {
		t.Fatalf("PutSnapshot %s: %v", name, err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			put(t, v, "dev-1", "snap-1", "snapshot bytes", snapTime)

			var buf bytes.Buffer
			if err := v.GetSnapshot(context.Background(), "dev-1", "snap-1", &buf); err != nil {
				t.Fatalf("GetSnapshot: %v", err)
			}
			if buf.String() != "snapshot bytes" {
				t.Errorf("unexpected contents: %q", buf.String())
			}

			// Same name overwrites.
			put(t, v, "dev-1", "snap-1", "newer bytes", snapTime.Add(time.Hour))
			buf.Reset()
			if err := v.GetSnapshot(context.Background(), "dev-1", "snap-1", &buf); err != nil {
				t.Fatalf("GetSnapshot: %v", err)
			}
			if buf.String() != "newer bytes" {
				t.Errorf("overwrite not applied: %q", buf.String())
			}

			if err := v.GetSnapshot(context.Background(), "dev-1", "ghost", &buf); err == nil {
				t.Error("expected error for a missing snapshot")
			}
		})
	}
}

func TestPutRejectsSizeMismatch(t *testing.T) {
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			meta := vault.Snapshot{
				DeviceID:  "dev-1",
				Name:      "short",
				Size:      100,
				CreatedAt: snapTime,
			}
			err := v.PutSnapshot(context.Background(), meta, strings.NewReader("tiny"))
			if err == nil {
				t.Error("expected size mismatch error")
			}
		})
	}
}

func TestListNewestFirstPerDevice(t *testing.T) {
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			put(t, v, "dev-1", "old", "a", snapTime)
			put(t, v, "dev-1", "new", "bb", snapTime.Add(time.Hour))
			put(t, v, "dev-2", "other", "c", snapTime.Add(2*time.Hour))

			snaps, err := v.ListSnapshots(context.Background(), "dev-1")
			if err != nil {
				t.Fatalf("ListSnapshots: %v", err)
			}
			if len(snaps) != 2 {
				t.Fatalf("expected 2 snapshots, got %d", len(snaps))
			}
			if snaps[0].Name != "new" || snaps[1].Name != "old" {
				t.Errorf("expected newest first, got %s, %s", snaps[0].Name, snaps[1].Name)
			}
			if snaps[0].Size != 2 {
				t.Errorf("expected recorded size 2, got %d", snaps[0].Size)
			}

			// An unknown device has no snapshots and no error.
			snaps, err = v.ListSnapshots(context.Background(), "dev-3")
			if err != nil {
				t.Fatalf("ListSnapshots: %v", err)
			}
			if len(snaps) != 0 {
				t.Errorf("expected no snapshots, got %d", len(snaps))
			}
		})
	}
}

func TestValidateSetup(t *testing.T) {
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			if err := v.ValidateSetup(context.Background()); err != nil {
				t.Errorf("ValidateSetup: %v", err)
			}
		})
	}
}
