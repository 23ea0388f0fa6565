package offline

import (
	"encoding/json"
	"fmt"
	"time"

	"labsync/internal/model"
)

// Queue manages pending local mutations: admission, retry bookkeeping and
// the state transitions of individual items. Batch ordering itself lives
// in the store query (priority descending, then client timestamp ascending)
// so it holds even across process restarts.
type Queue struct {
	store       Store
	clock       Clock
	ids         IDGenerator
	logger      Logger
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// QueueOptions tunes retry behavior for newly enqueued items.
type QueueOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// NewQueue creates a Queue. Zero-valued options fall back to five attempts
// with a one second base delay capped at one minute.
func NewQueue(st Store, clock Clock, ids IDGenerator, logger Logger, opts QueueOptions) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Minute
	}
	return &Queue{
		store:       st,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
	}
}

// Enqueue admits a new mutation in pending state. baseVersion is the last
// known remote version of the record, carried on the item so it survives a
// local delete of the cached record.
func (q *Queue) Enqueue(table, recordID string, op model.Operation, payload json.RawMessage, priority int, baseVersion int64) (*model.QueueItem, error) {
	if table == "" || recordID == "" {
		return nil, fmt.Errorf("enqueue: table and record id are required")
	}
	if !op.Valid() {
		return nil, fmt.Errorf("enqueue: unknown operation %q", op)
	}
	if op != model.OpDelete && len(payload) == 0 {
		return nil, fmt.Errorf("enqueue: %s requires a payload", op)
	}

	item := &model.QueueItem{
		ID:              q.ids.New(),
		Table:           table,
		RecordID:        recordID,
		Operation:       op,
		Payload:         payload,
		BaseVersion:     baseVersion,
		Status:          model.StatusPending,
		MaxAttempts:     q.maxAttempts,
		Priority:        priority,
		ClientTimestamp: q.clock.Now(),
	}
	if err := q.store.InsertQueueItem(item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("mutation enqueued",
		"id", item.ID, "table", table, "record_id", recordID, "operation", op, "priority", priority)
	return item, nil
}

// NextBatch returns the eligible pending items in drain order. Items whose
// retry delay has not elapsed are excluded.
func (q *Queue) NextBatch(limit int) ([]*model.QueueItem, error) {
	return q.store.EligibleQueueBatch(q.clock.Now(), limit)
}

// MarkSyncing claims an item for transmission, charging one attempt.
func (q *Queue) MarkSyncing(item *model.QueueItem) error {
	now := q.clock.Now()
	item.Status = model.StatusSyncing
	item.AttemptCount++
	item.LastAttemptAt = &now
	item.NextAttemptAt = nil
	return q.store.UpdateQueueItem(item)
}

// MarkSynced records successful transmission.
func (q *Queue) MarkSynced(item *model.QueueItem) error {
	item.Status = model.StatusSynced
	item.ErrorMessage = ""
	item.NextAttemptAt = nil
	return q.store.UpdateQueueItem(item)
}

// MarkFailed records a transient failure. While attempts remain the item
// returns to pending with an exponential retry delay; once the budget is
// spent it fails terminally.
func (q *Queue) MarkFailed(item *model.QueueItem, cause error) error {
	item.ErrorMessage = cause.Error()
	if item.AttemptCount >= item.MaxAttempts {
		item.Status = model.StatusFailed
		item.NextAttemptAt = nil
		q.logger.Warn("queue item failed terminally",
			"id", item.ID, "table", item.Table, "record_id", item.RecordID,
			"attempts", item.AttemptCount, "error", cause)
		return q.store.UpdateQueueItem(item)
	}

	next := q.clock.Now().Add(q.backoffDelay(item.AttemptCount))
	item.Status = model.StatusPending
	item.NextAttemptAt = &next
	q.logger.Debug("queue item scheduled for retry",
		"id", item.ID, "attempt", item.AttemptCount, "next_attempt_at", next)
	return q.store.UpdateQueueItem(item)
}

// MarkFailedTerminal records a non-retryable failure regardless of the
// remaining attempt budget.
func (q *Queue) MarkFailedTerminal(item *model.QueueItem, cause error) error {
	item.Status = model.StatusFailed
	item.ErrorMessage = cause.Error()
	item.NextAttemptAt = nil
	q.logger.Warn("queue item rejected permanently",
		"id", item.ID, "table", item.Table, "record_id", item.RecordID, "error", cause)
	return q.store.UpdateQueueItem(item)
}

// MarkPending returns a claimed item to pending without scheduling a
// backoff delay, recording the cause. Used when the run itself failed and
// the item should simply wait for the next drain.
func (q *Queue) MarkPending(item *model.QueueItem, cause error) error {
	item.Status = model.StatusPending
	item.ErrorMessage = cause.Error()
	item.NextAttemptAt = nil
	return q.store.UpdateQueueItem(item)
}

// MarkConflict parks an item pending conflict resolution.
func (q *Queue) MarkConflict(item *model.QueueItem) error {
	item.Status = model.StatusConflict
	item.NextAttemptAt = nil
	return q.store.UpdateQueueItem(item)
}

// backoffDelay doubles per completed attempt, starting at the base delay,
// capped.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}
	if d > q.backoffCap {
		return q.backoffCap
	}
	return d
}

// RetryFailed returns terminally failed items to pending with a fresh
// attempt budget.
func (q *Queue) RetryFailed() (int64, error) {
	n, err := q.store.ResetFailedItems()
	if err != nil {
		return 0, fmt.Errorf("retrying failed items: %w", err)
	}
	if n > 0 {
		q.logger.Info("failed items returned to pending", "count", n)
	}
	return n, nil
}

// PruneSynced deletes items that completed successfully.
func (q *Queue) PruneSynced() (int64, error) {
	n, err := q.store.DeleteQueueItemsByStatus(model.StatusSynced)
	if err != nil {
		return 0, fmt.Errorf("pruning synced items: %w", err)
	}
	return n, nil
}

// Stats returns item counts per status.
func (q *Queue) Stats() (map[model.QueueStatus]int, error) {
	return q.store.CountQueueByStatus()
}
