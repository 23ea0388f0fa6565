package kvstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"labsync/internal/kvstore"
)

func testStores(t *testing.T) map[string]kvstore.Store {
	t.Helper()
	fs, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]kvstore.Store{
		"file":   fs,
		"memory": kvstore.NewMemoryStore(),
	}
}

func TestRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get("missing")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if ok {
				t.Error("expected ok=false for a missing key")
			}

			if err := s.Set("session", `{"token":"abc"}`); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, ok, err := s.Get("session")
			if err != nil || !ok {
				t.Fatalf("Get: ok=%v err=%v", ok, err)
			}
			if v != `{"token":"abc"}` {
				t.Errorf("unexpected value: %q", v)
			}

			// Overwrite.
			if err := s.Set("session", "v2"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, _, _ = s.Get("session")
			if v != "v2" {
				t.Errorf("expected overwritten value, got %q", v)
			}

			if err := s.Delete("session"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := s.Get("session"); ok {
				t.Error("expected key gone after delete")
			}

			// Deleting a missing key is not an error.
			if err := s.Delete("session"); err != nil {
				t.Errorf("Delete of missing key: %v", err)
			}
		})
	}
}

func TestKeysAndClear(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c"} {
				if err := s.Set(k, k+"-value"); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			keys, err := s.Keys()
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
				t.Errorf("unexpected keys: %v", keys)
			}

			size, err := s.Size()
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if size <= 0 {
				t.Errorf("expected positive size, got %d", size)
			}

			if err := s.Clear(); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			keys, _ = s.Keys()
			if len(keys) != 0 {
				t.Errorf("expected no keys after clear, got %v", keys)
			}
		})
	}
}

func TestFileStoreEscapesKeys(t *testing.T) {
	root := t.TempDir()
	s, err := kvstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	// Separators and dots must not escape the root directory.
	key := "../outside/creds.json"
	if err := s.Set(key, "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file under root, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(root, "..", "outside")); !os.IsNotExist(err) {
		t.Error("key escaped the store root")
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("listing must unescape keys, got %v", keys)
	}
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	root := t.TempDir()
	s, err := kvstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Set("real", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "real" {
		t.Errorf("foreign files must not show up as keys: %v", keys)
	}
}

func TestMemoryStoreFaultInjection(t *testing.T) {
	s := kvstore.NewMemoryStore()
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	boom := errors.New("boom")
	s.FailReads(boom)
	if _, _, err := s.Get("k"); !errors.Is(err, boom) {
		t.Errorf("expected injected read error, got %v", err)
	}
	s.FailReads(nil)

	s.FailWrites(boom)
	if err := s.Set("k", "v2"); !errors.Is(err, boom) {
		t.Errorf("expected injected write error, got %v", err)
	}
	s.FailWrites(nil)

	// Healed store works again and the failed write left no trace.
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("expected original value after healing, got %q ok=%v err=%v", v, ok, err)
	}
}
