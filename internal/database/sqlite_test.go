package database_test

import (
	"testing"
	"time"

	"labsync/internal/model"
	"labsync/internal/testutil"
)

var baseTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newQueueItem(id string, priority int, ts time.Time) *model.QueueItem {
	return &model.QueueItem{
		ID:              id,
		Table:           "experiments",
		RecordID:        "rec-" + id,
		Operation:       model.OpUpdate,
		Payload:         []byte(`{"title":"x"}`),
		Status:          model.StatusPending,
		MaxAttempts:     5,
		Priority:        priority,
		ClientTimestamp: ts,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	got, err := db.GetRecord("experiments", "missing")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}

	rec := &model.LocalRecord{
		Table:          "experiments",
		ID:             "e1",
		Payload:        []byte(`{"title":"PCR run"}`),
		Version:        3,
		LastModifiedAt: baseTime,
	}
	if err := db.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err = db.GetRecord("experiments", "e1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Version != 3 || string(got.Payload) != `{"title":"PCR run"}` {
		t.Errorf("unexpected record: %+v", got)
	}

	// Upsert replaces.
	rec.Version = 4
	rec.Payload = []byte(`{"title":"PCR run 2"}`)
	if err := db.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord update: %v", err)
	}
	got, _ = db.GetRecord("experiments", "e1")
	if got.Version != 4 {
		t.Errorf("expected version 4 after upsert, got %d", got.Version)
	}

	if err := db.DeleteRecord("experiments", "e1"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	got, _ = db.GetRecord("experiments", "e1")
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestEligibleQueueBatchOrdering(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	// Same priority: older first. Higher priority: first regardless of age.
	items := []*model.QueueItem{
		newQueueItem("a", 0, baseTime.Add(2*time.Minute)),
		newQueueItem("b", 0, baseTime.Add(1*time.Minute)),
		newQueueItem("c", 5, baseTime.Add(3*time.Minute)),
	}
	for _, item := range items {
		if err := db.InsertQueueItem(item); err != nil {
			t.Fatalf("InsertQueueItem: %v", err)
		}
	}

	batch, err := db.EligibleQueueBatch(baseTime.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("EligibleQueueBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batch))
	}
	wantOrder := []string{"c", "b", "a"}
	for i, want := range wantOrder {
		if batch[i].ID != want {
			t.Errorf("position %d: want %s, got %s", i, want, batch[i].ID)
		}
	}
}

func TestEligibleQueueBatchRespectsBackoffWindow(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	ready := newQueueItem("ready", 0, baseTime)
	if err := db.InsertQueueItem(ready); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}

	waiting := newQueueItem("waiting", 0, baseTime)
	next := baseTime.Add(10 * time.Minute)
	waiting.NextAttemptAt = &next
	if err := db.InsertQueueItem(waiting); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}

	batch, err := db.EligibleQueueBatch(baseTime.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("EligibleQueueBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "ready" {
		t.Fatalf("expected only the ready item, got %d items", len(batch))
	}

	// Once the window elapses the waiting item becomes eligible. The
	// boundary is inclusive.
	batch, err = db.EligibleQueueBatch(next, 10)
	if err != nil {
		t.Fatalf("EligibleQueueBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected both items at the boundary, got %d", len(batch))
	}
}

func TestUpdateQueueItemMissing(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	item := newQueueItem("ghost", 0, baseTime)
	if err := db.UpdateQueueItem(item); err == nil {
		t.Fatal("expected error updating a missing queue item")
	}
}

func TestResetSyncingItems(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	stuck := newQueueItem("stuck", 0, baseTime)
	stuck.Status = model.StatusSyncing
	if err := db.InsertQueueItem(stuck); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}
	done := newQueueItem("done", 0, baseTime)
	done.Status = model.StatusSynced
	if err := db.InsertQueueItem(done); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}

	n, err := db.ResetSyncingItems()
	if err != nil {
		t.Fatalf("ResetSyncingItems: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	counts, err := db.CountQueueByStatus()
	if err != nil {
		t.Fatalf("CountQueueByStatus: %v", err)
	}
	if counts[model.StatusSyncing] != 0 || counts[model.StatusPending] != 1 || counts[model.StatusSynced] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestResetFailedItemsRestoresBudget(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	failed := newQueueItem("failed", 0, baseTime)
	failed.Status = model.StatusFailed
	failed.AttemptCount = 5
	failed.ErrorMessage = "remote returned 500"
	if err := db.InsertQueueItem(failed); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}

	n, err := db.ResetFailedItems()
	if err != nil {
		t.Fatalf("ResetFailedItems: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	got, err := db.GetQueueItem("failed")
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if got.Status != model.StatusPending || got.AttemptCount != 0 || got.ErrorMessage != "" {
		t.Errorf("item not fully reset: %+v", got)
	}
}

func TestResolveConflictTx(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	conflict := &model.ConflictRecord{
		ID:            "c1",
		Table:         "experiments",
		RecordID:      "e1",
		ClientData:    []byte(`{"title":"mine"}`),
		ServerData:    []byte(`{"title":"theirs"}`),
		ClientVersion: 2,
		ServerVersion: 5,
		Strategy:      model.ClientWins,
		Status:        model.ConflictOpen,
		DetectedAt:    baseTime,
	}
	if err := db.InsertConflict(conflict); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}

	resolvedAt := baseTime.Add(time.Minute)
	requeue := newQueueItem("rq1", 0, resolvedAt)
	record := &model.LocalRecord{
		Table:          "experiments",
		ID:             "e1",
		Payload:        []byte(`{"title":"mine"}`),
		Version:        5,
		LastModifiedAt: resolvedAt,
	}
	err := db.ResolveConflictTx("c1", model.ClientWins, conflict.ClientData, resolvedAt, requeue, record)
	if err != nil {
		t.Fatalf("ResolveConflictTx: %v", err)
	}

	got, err := db.GetConflict("c1")
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if got.Status != model.ConflictResolved || got.ResolvedAt == nil {
		t.Errorf("conflict not resolved: %+v", got)
	}
	if string(got.ResolvedData) != `{"title":"mine"}` {
		t.Errorf("unexpected resolved data: %s", got.ResolvedData)
	}

	rec, _ := db.GetRecord("experiments", "e1")
	if rec == nil || rec.Version != 5 {
		t.Errorf("record not rewritten: %+v", rec)
	}

	item, _ := db.GetQueueItem("rq1")
	if item == nil || item.Status != model.StatusPending {
		t.Errorf("requeue not inserted: %+v", item)
	}

	// Resolving the same conflict again must fail: it is no longer open.
	err = db.ResolveConflictTx("c1", model.ServerWins, nil, resolvedAt, nil, nil)
	if err == nil {
		t.Fatal("expected error resolving an already resolved conflict")
	}
}

func TestHistoryFinalizeOnce(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	h := &model.SyncHistory{
		ID:        "h1",
		StartedAt: baseTime,
		DeviceID:  "dev-1",
	}
	if err := db.InsertHistory(h); err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}

	last, err := db.LastSyncAt()
	if err != nil {
		t.Fatalf("LastSyncAt: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("expected zero last sync before any drain finished, got %v", last)
	}

	finished := baseTime.Add(2 * time.Second)
	h.FinishedAt = &finished
	h.SyncedCount = 7
	h.DurationMs = 2000
	if err := db.FinalizeHistory(h); err != nil {
		t.Fatalf("FinalizeHistory: %v", err)
	}

	if err := db.FinalizeHistory(h); err == nil {
		t.Fatal("expected error finalizing history twice")
	}

	entries, err := db.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].SyncedCount != 7 || entries[0].FinishedAt == nil {
		t.Errorf("unexpected history: %+v", entries[0])
	}

	last, _ = db.LastSyncAt()
	if !last.Equal(finished) {
		t.Errorf("LastSyncAt: want %v, got %v", finished, last)
	}
}

func TestClearAllAndCounts(t *testing.T) {
	db := testutil.NewTestDatabase(t)

	if err := db.PutRecord(&model.LocalRecord{
		Table: "courses", ID: "c1", Payload: []byte(`{}`), Version: 1, LastModifiedAt: baseTime,
	}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := db.InsertQueueItem(newQueueItem("q1", 0, baseTime)); err != nil {
		t.Fatalf("InsertQueueItem: %v", err)
	}

	counts, err := db.EntityCounts()
	if err != nil {
		t.Fatalf("EntityCounts: %v", err)
	}
	if counts["courses"] != 1 || counts["sync_queue"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	if err := db.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	counts, _ = db.EntityCounts()
	if counts["courses"] != 0 || counts["sync_queue"] != 0 {
		t.Errorf("expected empty counts after clear: %v", counts)
	}
}
