package store_test

import (
	"errors"
	"testing"
	"time"

	"labsync/internal/kvstore"
	"labsync/internal/model"
	"labsync/internal/store"
	"labsync/internal/testutil"
)

func TestConfigStringPassthrough(t *testing.T) {
	st := testutil.NewTestStore(t)

	if err := st.SetConfig("last_user", "ada@lab.example"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	raw, ok, err := st.GetConfigRaw("last_user")
	if err != nil || !ok {
		t.Fatalf("GetConfigRaw: ok=%v err=%v", ok, err)
	}
	if raw != "ada@lab.example" {
		t.Errorf("strings must be stored verbatim, got %q", raw)
	}
}

func TestConfigJSONEncoding(t *testing.T) {
	st := testutil.NewTestStore(t)

	if err := st.SetConfig("retry_budget", 5); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	v, ok, err := st.GetConfig("retry_budget")
	if err != nil || !ok {
		t.Fatalf("GetConfig: ok=%v err=%v", ok, err)
	}
	if n, isNum := v.(float64); !isNum || n != 5 {
		t.Errorf("expected 5, got %#v", v)
	}
}

func TestConfigDecodeFallsBackToRawString(t *testing.T) {
	st := testutil.NewTestStore(t)

	// Not valid JSON: GetConfig must hand it back as a string, never error.
	if err := st.SetConfig("note", "not {json"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	v, ok, err := st.GetConfig("note")
	if err != nil {
		t.Fatalf("decode failure must not be an error: %v", err)
	}
	if !ok || v != "not {json" {
		t.Errorf("expected raw string fallback, got %#v", v)
	}
}

func TestConfigMissingKey(t *testing.T) {
	st := testutil.NewTestStore(t)

	_, ok, err := st.GetConfig("absent")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing key")
	}
}

func TestReadErrorsAreStorageErrors(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	db := testutil.NewTestDatabase(t)
	st := store.New(kv, db)

	kv.FailReads(errors.New("disk gone"))

	_, _, err := st.GetConfig("anything")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *store.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %T: %v", err, err)
	}
}

func TestClearAllClearsConfigTierFirst(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	db := testutil.NewTestDatabase(t)
	st := store.New(kv, db)

	if err := st.SetConfig("k", "v"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := st.Put(&model.LocalRecord{
		Table: "courses", ID: "c1", Payload: []byte(`{}`), Version: 1,
		LastModifiedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := st.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	if _, ok, _ := st.GetConfigRaw("k"); ok {
		t.Error("config tier not cleared")
	}
	rec, err := st.Get("courses", "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Error("entity tier not cleared")
	}
}

func TestClearAllReportsConfigTierFailure(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	db := testutil.NewTestDatabase(t)
	st := store.New(kv, db)

	kv.FailWrites(errors.New("read-only filesystem"))
	if err := st.ClearAll(); err == nil {
		t.Fatal("expected ClearAll to propagate the config tier failure")
	}
}

func TestIsReady(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	db := testutil.NewTestDatabase(t)
	st := store.New(kv, db)

	if !st.IsReady() {
		t.Error("expected healthy store to be ready")
	}

	kv.FailWrites(errors.New("full"))
	if st.IsReady() {
		t.Error("expected store with failing config tier to be not ready")
	}
}

func TestUsageInfo(t *testing.T) {
	st := testutil.NewTestStore(t)

	if err := st.SetConfig("k", "some value"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := st.Put(&model.LocalRecord{
		Table: "enrollments", ID: "e1", Payload: []byte(`{"seat":4}`), Version: 1,
		LastModifiedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := st.UsageInfo()
	if err != nil {
		t.Fatalf("UsageInfo: %v", err)
	}
	if info.Used <= 0 {
		t.Errorf("expected positive usage, got %d", info.Used)
	}
	if info.EntityCounts["enrollments"] != 1 {
		t.Errorf("unexpected entity counts: %v", info.EntityCounts)
	}
}
