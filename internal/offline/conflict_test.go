package offline_test

import (
	"testing"
	"time"

	"labsync/internal/model"
	"labsync/internal/offline"
	"labsync/internal/store"
	"labsync/internal/testutil"
)

func newTestResolver(t *testing.T, strategy model.Strategy) (*offline.Resolver, *store.DurableStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	r := offline.NewResolver(
		st,
		testutil.FixedClock(),
		testutil.NewStubIDGenerator(),
		offline.NewNopLogger(),
		strategy,
		3,
	)
	return r, st
}

func conflictItem() *model.QueueItem {
	return &model.QueueItem{
		ID:              "item-1",
		Table:           "experiments",
		RecordID:        "e1",
		Operation:       model.OpUpdate,
		Payload:         []byte(`{"title":"client edit"}`),
		Status:          model.StatusConflict,
		MaxAttempts:     3,
		ClientTimestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func serverCopy() *model.LocalRecord {
	return &model.LocalRecord{
		Table:          "experiments",
		ID:             "e1",
		Payload:        []byte(`{"title":"server edit"}`),
		Version:        5,
		LastModifiedAt: time.Date(2024, 1, 15, 10, 15, 0, 0, time.UTC),
	}
}

func TestHandleServerWins(t *testing.T) {
	r, st := newTestResolver(t, model.ServerWins)

	conflict, err := r.Handle(conflictItem(), 2, serverCopy())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if conflict.Status != model.ConflictResolved {
		t.Errorf("expected resolved, got %s", conflict.Status)
	}
	if conflict.ClientVersion != 2 || conflict.ServerVersion != 5 {
		t.Errorf("unexpected versions: %+v", conflict)
	}

	// The remote copy is adopted locally.
	rec, err := st.Get("experiments", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Version != 5 || string(rec.Payload) != `{"title":"server edit"}` {
		t.Errorf("server copy not adopted: %+v", rec)
	}

	// No re-submission for server_wins.
	counts, _ := st.CountQueueByStatus()
	if counts[model.StatusPending] != 0 {
		t.Errorf("expected no requeued item, got %v", counts)
	}

	// The conflict record stays, resolved.
	stored, err := st.GetConflict(conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if stored.Status != model.ConflictResolved || stored.ResolvedAt == nil {
		t.Errorf("conflict record not persisted as resolved: %+v", stored)
	}
}

func TestHandleServerWinsRemoteDelete(t *testing.T) {
	r, st := newTestResolver(t, model.ServerWins)

	// No server copy: the record was deleted remotely. The conflict still
	// resolves, it just has no server data to adopt.
	conflict, err := r.Handle(conflictItem(), 2, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if conflict.Status != model.ConflictResolved {
		t.Errorf("expected resolved, got %s", conflict.Status)
	}
	if conflict.ServerData != nil || conflict.ServerVersion != 0 {
		t.Errorf("expected empty server side: %+v", conflict)
	}

	rec, err := st.Get("experiments", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("expected no local record written, got %+v", rec)
	}
}

func TestHandleClientWinsRequeues(t *testing.T) {
	r, st := newTestResolver(t, model.ClientWins)

	conflict, err := r.Handle(conflictItem(), 2, serverCopy())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if conflict.Status != model.ConflictResolved {
		t.Errorf("expected resolved, got %s", conflict.Status)
	}

	// Local record carries the client data at the remote's version, so the
	// re-submission passes the optimistic concurrency check.
	rec, err := st.Get("experiments", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Version != 5 || string(rec.Payload) != `{"title":"client edit"}` {
		t.Errorf("client data not adopted at server version: %+v", rec)
	}

	pending, err := st.ListQueueItemsByStatus(model.StatusPending)
	if err != nil {
		t.Fatalf("ListQueueItemsByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 requeued item, got %d", len(pending))
	}
	requeue := pending[0]
	if requeue.Operation != model.OpUpdate || string(requeue.Payload) != `{"title":"client edit"}` {
		t.Errorf("unexpected requeue: %+v", requeue)
	}
	if requeue.MaxAttempts != 3 {
		t.Errorf("requeue must get the configured attempt budget, got %d", requeue.MaxAttempts)
	}
}

func TestHandleManualLeavesConflictOpen(t *testing.T) {
	r, st := newTestResolver(t, model.Manual)

	conflict, err := r.Handle(conflictItem(), 2, serverCopy())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if conflict.Status != model.ConflictOpen {
		t.Errorf("manual strategy must leave the conflict open, got %s", conflict.Status)
	}

	open, err := r.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}

	merged := []byte(`{"title":"merged edit"}`)
	if err := r.ResolveManually(conflict.ID, model.Manual, merged); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}

	rec, err := st.Get("experiments", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Version != 5 || string(rec.Payload) != string(merged) {
		t.Errorf("merged data not adopted: %+v", rec)
	}
	pending, _ := st.ListQueueItemsByStatus(model.StatusPending)
	if len(pending) != 1 || string(pending[0].Payload) != string(merged) {
		t.Errorf("merged data not requeued: %+v", pending)
	}

	n, err := r.OpenCount()
	if err != nil {
		t.Fatalf("OpenCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no open conflicts, got %d", n)
	}
}

func TestResolveManuallyValidation(t *testing.T) {
	r, _ := newTestResolver(t, model.Manual)

	conflict, err := r.Handle(conflictItem(), 2, serverCopy())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if err := r.ResolveManually(conflict.ID, model.Strategy("coin_flip"), nil); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if err := r.ResolveManually("no-such-conflict", model.ServerWins, nil); err == nil {
		t.Error("expected error for missing conflict")
	}
	if err := r.ResolveManually(conflict.ID, model.Manual, nil); err == nil {
		t.Error("expected error for manual resolution without merged data")
	}

	if err := r.ResolveManually(conflict.ID, model.ServerWins, nil); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}
	if err := r.ResolveManually(conflict.ID, model.ServerWins, nil); err == nil {
		t.Error("expected error resolving an already resolved conflict")
	}
}

func TestInvalidDefaultStrategyFallsBack(t *testing.T) {
	st := testutil.NewTestStore(t)
	r := offline.NewResolver(st, testutil.FixedClock(), testutil.NewStubIDGenerator(),
		offline.NewNopLogger(), model.Strategy("bogus"), 0)

	conflict, err := r.Handle(conflictItem(), 2, serverCopy())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if conflict.Strategy != model.ServerWins {
		t.Errorf("expected server_wins fallback, got %s", conflict.Strategy)
	}
	if conflict.Status != model.ConflictResolved {
		t.Errorf("expected resolved, got %s", conflict.Status)
	}
}
