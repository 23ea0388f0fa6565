package offline_test

import (
	"errors"
	"testing"
	"time"

	"labsync/internal/model"
	"labsync/internal/offline"
	"labsync/internal/testutil"
)

func newTestQueue(t *testing.T, opts offline.QueueOptions) (*offline.Queue, *testutil.StubClock) {
	t.Helper()
	clock := testutil.FixedClock()
	return offline.NewQueue(
		testutil.NewTestStore(t),
		clock,
		testutil.NewStubIDGenerator(),
		offline.NewNopLogger(),
		opts,
	), clock
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, offline.QueueOptions{})

	cases := []struct {
		name     string
		table    string
		recordID string
		op       model.Operation
		payload  []byte
	}{
		{"missing table", "", "r1", model.OpCreate, []byte(`{}`)},
		{"missing record id", "courses", "", model.OpCreate, []byte(`{}`)},
		{"unknown operation", "courses", "r1", model.Operation("upsert"), []byte(`{}`)},
		{"create without payload", "courses", "r1", model.OpCreate, nil},
		{"update without payload", "courses", "r1", model.OpUpdate, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := q.Enqueue(tc.table, tc.recordID, tc.op, tc.payload, 0, 0); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	// Deletes carry no payload.
	item, err := q.Enqueue("courses", "r1", model.OpDelete, nil, 0, 4)
	if err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	if item.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", item.Status)
	}
	if item.BaseVersion != 4 {
		t.Errorf("expected base version 4 on the delete, got %d", item.BaseVersion)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q, clock := newTestQueue(t, offline.QueueOptions{})

	item, err := q.Enqueue("courses", "r1", model.OpCreate, []byte(`{"name":"Bio 101"}`), 3, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.ID != "id-1" {
		t.Errorf("unexpected id: %s", item.ID)
	}
	if item.MaxAttempts != 5 {
		t.Errorf("expected default attempt budget of 5, got %d", item.MaxAttempts)
	}
	if item.Priority != 3 {
		t.Errorf("expected priority 3, got %d", item.Priority)
	}
	if !item.ClientTimestamp.Equal(clock.Now()) {
		t.Errorf("expected client timestamp %v, got %v", clock.Now(), item.ClientTimestamp)
	}
}

func TestBackoffScheduleDoublesAndCaps(t *testing.T) {
	q, clock := newTestQueue(t, offline.QueueOptions{
		MaxAttempts: 6,
		BackoffBase: time.Second,
		BackoffCap:  4 * time.Second,
	})

	item, err := q.Enqueue("courses", "r1", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Delay after attempt n: base doubled per completed attempt, capped.
	wantDelays := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	cause := errors.New("remote unreachable")
	for i, want := range wantDelays {
		if err := q.MarkSyncing(item); err != nil {
			t.Fatalf("MarkSyncing: %v", err)
		}
		if err := q.MarkFailed(item, cause); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if item.Status != model.StatusPending {
			t.Fatalf("attempt %d: expected pending, got %s", i+1, item.Status)
		}
		if item.NextAttemptAt == nil {
			t.Fatalf("attempt %d: expected a retry window", i+1)
		}
		if got := item.NextAttemptAt.Sub(clock.Now()); got != want {
			t.Errorf("attempt %d: want delay %v, got %v", i+1, want, got)
		}
	}

	// Sixth failure exhausts the budget.
	if err := q.MarkSyncing(item); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkFailed(item, cause); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if item.Status != model.StatusFailed {
		t.Errorf("expected terminal failure, got %s", item.Status)
	}
	if item.NextAttemptAt != nil {
		t.Error("terminal failures carry no retry window")
	}
	if item.ErrorMessage != "remote unreachable" {
		t.Errorf("unexpected error message: %q", item.ErrorMessage)
	}
}

func TestBackoffWindowGatesNextBatch(t *testing.T) {
	q, clock := newTestQueue(t, offline.QueueOptions{
		BackoffBase: 30 * time.Second,
	})

	item, err := q.Enqueue("courses", "r1", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing(item); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkFailed(item, errors.New("timeout")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	batch, err := q.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no eligible items inside the retry window, got %d", len(batch))
	}

	clock.Advance(30 * time.Second)
	batch, err = q.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected the item once the window elapsed, got %d", len(batch))
	}
}

func TestMarkFailedTerminalIgnoresBudget(t *testing.T) {
	q, _ := newTestQueue(t, offline.QueueOptions{})

	item, err := q.Enqueue("courses", "r1", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing(item); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkFailedTerminal(item, errors.New("schema rejected payload")); err != nil {
		t.Fatalf("MarkFailedTerminal: %v", err)
	}
	if item.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", item.Status)
	}
	if item.AttemptCount != 1 {
		t.Errorf("expected a single charged attempt, got %d", item.AttemptCount)
	}
}

func TestMarkPendingReturnsClaimedItem(t *testing.T) {
	q, _ := newTestQueue(t, offline.QueueOptions{})

	item, err := q.Enqueue("courses", "r1", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing(item); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkPending(item, errors.New("token expired")); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	if item.Status != model.StatusPending || item.NextAttemptAt != nil {
		t.Errorf("expected immediately eligible pending item: %+v", item)
	}
	if item.ErrorMessage != "token expired" {
		t.Errorf("unexpected error message: %q", item.ErrorMessage)
	}

	batch, err := q.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected the item eligible without a backoff window, got %d", len(batch))
	}
}

func TestRetryFailedAndPrune(t *testing.T) {
	q, _ := newTestQueue(t, offline.QueueOptions{MaxAttempts: 1})

	failed, err := q.Enqueue("courses", "r1", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing(failed); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkFailed(failed, errors.New("down")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	done, err := q.Enqueue("courses", "r2", model.OpUpdate, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing(done); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := q.MarkSynced(done); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	n, err := q.RetryFailed()
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 item returned to pending, got %d", n)
	}

	n, err = q.PruneSynced()
	if err != nil {
		t.Fatalf("PruneSynced: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned item, got %d", n)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[model.StatusPending] != 1 || stats[model.StatusSynced] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
