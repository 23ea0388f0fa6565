// Package offline is the synchronization engine: it drains the mutation
// queue against the remote gateway, detects version conflicts, applies
// resolution strategies and records an audit entry per drain cycle.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"labsync/internal/model"
)

// Engine orchestrates drain cycles. At most one drain runs at a time per
// Engine; a reentrant call is rejected with ErrDrainInProgress.
type Engine struct {
	store    Store
	gateway  Gateway
	queue    *Queue
	resolver *Resolver
	clock    Clock
	ids      IDGenerator
	logger   Logger

	batchSize int
	deviceID  string

	mu              sync.Mutex
	active          bool
	activeHistoryID string
}

// EngineOptions tunes a drain cycle.
type EngineOptions struct {
	BatchSize int
	DeviceID  string
}

// NewEngine creates an Engine over the given collaborators.
func NewEngine(st Store, gw Gateway, queue *Queue, resolver *Resolver, clock Clock, ids IDGenerator, logger Logger, opts EngineOptions) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Engine{
		store:     st,
		gateway:   gw,
		queue:     queue,
		resolver:  resolver,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		batchSize: opts.BatchSize,
		deviceID:  opts.DeviceID,
	}
}

// Enqueue applies a mutation locally and queues it for transmission. The
// local record is written first so reads observe the change immediately;
// the version is left at the last known remote value. That version is also
// captured on the queue item, so a delete still carries the right base for
// the optimistic concurrency check after the cached record is gone.
func (e *Engine) Enqueue(table, recordID string, op model.Operation, payload json.RawMessage, priority int) (*model.QueueItem, error) {
	now := e.clock.Now()
	existing, err := e.store.Get(table, recordID)
	if err != nil {
		return nil, fmt.Errorf("reading local record: %w", err)
	}
	var baseVersion int64
	if existing != nil {
		baseVersion = existing.Version
	}

	switch op {
	case model.OpDelete:
		if err := e.store.Remove(table, recordID); err != nil {
			return nil, fmt.Errorf("applying local delete: %w", err)
		}
	default:
		rec := &model.LocalRecord{
			Table:          table,
			ID:             recordID,
			Payload:        payload,
			Version:        baseVersion,
			LastModifiedAt: now,
		}
		if err := e.store.Put(rec); err != nil {
			return nil, fmt.Errorf("applying local write: %w", err)
		}
	}
	return e.queue.Enqueue(table, recordID, op, payload, priority, baseVersion)
}

// recordKey identifies a record across tables for per-drain bookkeeping.
type recordKey struct {
	table string
	id    string
}

// Drain pushes eligible queued mutations to the remote until the queue has
// nothing more to offer, then finalizes a history entry. Context
// cancellation finishes the item in flight, resets any claimed items to
// pending and finalizes early. Authentication and local persistence
// failures stop the run the same way.
//
// The returned history reflects the cycle even when err is non-nil, except
// for the reentrant case where history belongs to the drain already
// running.
func (e *Engine) Drain(ctx context.Context, userID string) (*model.SyncHistory, error) {
	e.mu.Lock()
	if e.active {
		id := e.activeHistoryID
		e.mu.Unlock()
		return nil, &ErrDrainInProgress{HistoryID: id}
	}

	history := &model.SyncHistory{
		ID:        e.ids.New(),
		StartedAt: e.clock.Now(),
		DeviceID:  e.deviceID,
		UserID:    userID,
	}
	if err := e.store.InsertHistory(history); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("opening sync history: %w", err)
	}
	e.active = true
	e.activeHistoryID = history.ID
	e.mu.Unlock()

	e.logger.Info("drain started", "history_id", history.ID, "device_id", e.deviceID)
	runErr := e.drain(ctx, history)
	e.finish(history, runErr)
	return history, runErr
}

func (e *Engine) drain(ctx context.Context, history *model.SyncHistory) error {
	// Per-record ordering: once an item for a record conflicts or fails,
	// later items for the same record wait for the next drain. Processed
	// item IDs guarantee the loop terminates even when items return to
	// pending state.
	skipped := make(map[recordKey]bool)
	processed := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("drain cancelled", "history_id", history.ID)
			return err
		}

		batch, err := e.queue.NextBatch(e.batchSize)
		if err != nil {
			return fmt.Errorf("dequeuing batch: %w", err)
		}

		advanced := false
		for _, item := range batch {
			if processed[item.ID] || skipped[recordKey{item.Table, item.RecordID}] {
				continue
			}
			processed[item.ID] = true
			advanced = true

			if err := e.processItem(ctx, item, history, skipped); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				e.logger.Info("drain cancelled", "history_id", history.ID)
				return err
			}
		}
		if !advanced {
			return nil
		}
	}
}

// processItem transmits one mutation and settles its outcome. Only
// authentication failures and local persistence failures propagate; every
// remote failure is absorbed into the item's own state.
func (e *Engine) processItem(ctx context.Context, item *model.QueueItem, history *model.SyncHistory, skipped map[recordKey]bool) error {
	if err := e.queue.MarkSyncing(item); err != nil {
		return fmt.Errorf("claiming queue item %s: %w", item.ID, err)
	}

	baseVersion, err := e.baseVersion(item)
	if err != nil {
		return err
	}

	result, submitErr := e.gateway.SubmitMutation(ctx, item, baseVersion)
	switch {
	case submitErr == nil:
		if err := e.applyResult(item, result); err != nil {
			return err
		}
		if err := e.queue.MarkSynced(item); err != nil {
			return fmt.Errorf("settling queue item %s: %w", item.ID, err)
		}
		history.SyncedCount++
		return nil

	case IsConflict(submitErr):
		return e.handleConflict(ctx, item, baseVersion, history, skipped)

	case IsAuth(submitErr):
		// The whole run is doomed without valid credentials. Return the
		// item so it is retried next drain.
		if err := e.queue.MarkPending(item, submitErr); err != nil {
			return fmt.Errorf("returning queue item %s: %w", item.ID, err)
		}
		return submitErr

	case IsFatal(submitErr):
		if err := e.queue.MarkFailedTerminal(item, submitErr); err != nil {
			return fmt.Errorf("settling queue item %s: %w", item.ID, err)
		}
		history.FailedCount++
		skipped[recordKey{item.Table, item.RecordID}] = true
		return nil

	default:
		// Transient by classification or by default.
		if err := e.queue.MarkFailed(item, submitErr); err != nil {
			return fmt.Errorf("settling queue item %s: %w", item.ID, err)
		}
		history.FailedCount++
		skipped[recordKey{item.Table, item.RecordID}] = true
		return nil
	}
}

// baseVersion returns the last remote version the client observed for the
// item's record, preferring the current local record over the version
// captured at enqueue time. Deletes have no local record anymore, so they
// fall back to the captured version; a read failure is absorbed the same
// way after logging.
func (e *Engine) baseVersion(item *model.QueueItem) (int64, error) {
	rec, err := e.store.Get(item.Table, item.RecordID)
	if err != nil {
		e.logger.Warn("reading base version failed, using enqueue-time version",
			"table", item.Table, "record_id", item.RecordID, "error", err)
		return item.BaseVersion, nil
	}
	if rec == nil {
		return item.BaseVersion, nil
	}
	return rec.Version, nil
}

// applyResult installs the remote's authoritative outcome locally.
func (e *Engine) applyResult(item *model.QueueItem, result *MutationResult) error {
	if item.Operation == model.OpDelete {
		if err := e.store.Remove(item.Table, item.RecordID); err != nil {
			return fmt.Errorf("applying remote delete %s/%s: %w", item.Table, item.RecordID, err)
		}
		return nil
	}

	payload := result.ServerData
	if payload == nil {
		payload = item.Payload
	}
	rec := &model.LocalRecord{
		Table:          item.Table,
		ID:             item.RecordID,
		Payload:        payload,
		Version:        result.NewVersion,
		LastModifiedAt: e.clock.Now(),
	}
	if err := e.store.Put(rec); err != nil {
		return fmt.Errorf("applying remote result %s/%s: %w", item.Table, item.RecordID, err)
	}
	return nil
}

// handleConflict parks the item, fetches the remote's current copy and
// hands both sides to the resolver.
func (e *Engine) handleConflict(ctx context.Context, item *model.QueueItem, clientVersion int64, history *model.SyncHistory, skipped map[recordKey]bool) error {
	if err := e.queue.MarkConflict(item); err != nil {
		return fmt.Errorf("settling queue item %s: %w", item.ID, err)
	}
	history.ConflictCount++
	skipped[recordKey{item.Table, item.RecordID}] = true

	server, err := e.gateway.FetchRecord(ctx, item.Table, item.RecordID)
	if err != nil {
		// The conflict is still recorded, just without the server copy.
		e.logger.Warn("fetching server copy failed",
			"table", item.Table, "record_id", item.RecordID, "error", err)
		server = nil
	}

	if _, err := e.resolver.Handle(item, clientVersion, server); err != nil {
		return fmt.Errorf("resolving conflict for %s/%s: %w", item.Table, item.RecordID, err)
	}
	return nil
}

// finish resets any still-claimed items and finalizes the history entry.
// After this returns no item is left in syncing state, whatever ended the
// run.
func (e *Engine) finish(history *model.SyncHistory, runErr error) {
	if n, err := e.store.ResetSyncingItems(); err != nil {
		e.logger.Error("resetting claimed items failed", "error", err)
	} else if n > 0 {
		e.logger.Warn("claimed items returned to pending", "count", n)
	}

	now := e.clock.Now()
	history.FinishedAt = &now
	history.DurationMs = now.Sub(history.StartedAt).Milliseconds()
	if runErr != nil {
		history.ErrorSummary = runErr.Error()
	}
	if err := e.store.FinalizeHistory(history); err != nil {
		e.logger.Error("finalizing sync history failed", "history_id", history.ID, "error", err)
	}

	e.mu.Lock()
	e.active = false
	e.activeHistoryID = ""
	e.mu.Unlock()

	e.logger.Info("drain finished",
		"history_id", history.ID,
		"synced", history.SyncedCount,
		"failed", history.FailedCount,
		"conflicts", history.ConflictCount,
		"duration_ms", history.DurationMs)
}
