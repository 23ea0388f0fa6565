package offline

import (
	"encoding/json"
	"fmt"

	"labsync/internal/model"
)

// Resolver turns detected version conflicts into durable conflict records
// and applies the configured resolution strategy. Conflict records are
// append-only: resolution marks them resolved, never deletes them.
type Resolver struct {
	store           Store
	clock           Clock
	ids             IDGenerator
	logger          Logger
	defaultStrategy model.Strategy
	maxAttempts     int
}

// NewResolver creates a Resolver. defaultStrategy applies to conflicts
// detected during a drain; an invalid value falls back to server_wins.
// maxAttempts is the retry budget given to re-submitted mutations.
func NewResolver(st Store, clock Clock, ids IDGenerator, logger Logger, defaultStrategy model.Strategy, maxAttempts int) *Resolver {
	if !defaultStrategy.Valid() {
		defaultStrategy = model.ServerWins
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Resolver{
		store:           st,
		clock:           clock,
		ids:             ids,
		logger:          logger,
		defaultStrategy: defaultStrategy,
		maxAttempts:     maxAttempts,
	}
}

// Handle records a conflict detected for item and, unless the default
// strategy is manual, resolves it immediately. server is the remote's
// current copy (nil when the record was deleted remotely).
func (r *Resolver) Handle(item *model.QueueItem, clientVersion int64, server *model.LocalRecord) (*model.ConflictRecord, error) {
	now := r.clock.Now()
	conflict := &model.ConflictRecord{
		ID:            r.ids.New(),
		Table:         item.Table,
		RecordID:      item.RecordID,
		ClientData:    item.Payload,
		ClientVersion: clientVersion,
		Strategy:      r.defaultStrategy,
		Status:        model.ConflictOpen,
		DetectedAt:    now,
	}
	if server != nil {
		conflict.ServerData = server.Payload
		conflict.ServerVersion = server.Version
	}
	if err := r.store.InsertConflict(conflict); err != nil {
		return nil, fmt.Errorf("recording conflict: %w", err)
	}
	r.logger.Info("conflict detected",
		"id", conflict.ID, "table", conflict.Table, "record_id", conflict.RecordID,
		"client_version", conflict.ClientVersion, "server_version", conflict.ServerVersion,
		"strategy", conflict.Strategy)

	if r.defaultStrategy == model.Manual {
		return conflict, nil
	}
	if err := r.resolve(conflict, r.defaultStrategy, nil); err != nil {
		return nil, err
	}
	return conflict, nil
}

// ResolveManually closes an open conflict with an explicit decision.
// strategy server_wins accepts the remote copy; client_wins re-submits the
// original client data; manual re-submits mergedData the same way
// client_wins would, with the remote's current version as the base.
func (r *Resolver) ResolveManually(conflictID string, strategy model.Strategy, mergedData json.RawMessage) error {
	if !strategy.Valid() {
		return fmt.Errorf("resolve conflict: unknown strategy %q", strategy)
	}
	conflict, err := r.store.GetConflict(conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if conflict == nil {
		return fmt.Errorf("resolve conflict: no conflict with id %s", conflictID)
	}
	if conflict.Status != model.ConflictOpen {
		return fmt.Errorf("resolve conflict: conflict %s is already resolved", conflictID)
	}
	if strategy == model.Manual && len(mergedData) == 0 {
		return fmt.Errorf("resolve conflict: manual resolution requires merged data")
	}
	return r.resolve(conflict, strategy, mergedData)
}

// resolve applies strategy to an open conflict in one store transaction:
// the conflict row flips to resolved, the local record is rewritten, and
// for client-favoring outcomes a fresh queue item carries the chosen data
// back to the remote with the server's version as the new base.
func (r *Resolver) resolve(conflict *model.ConflictRecord, strategy model.Strategy, mergedData json.RawMessage) error {
	now := r.clock.Now()

	var (
		resolvedData json.RawMessage
		record       *model.LocalRecord
		requeue      *model.QueueItem
	)

	switch strategy {
	case model.ServerWins:
		resolvedData = conflict.ServerData
		if conflict.ServerData != nil {
			record = &model.LocalRecord{
				Table:          conflict.Table,
				ID:             conflict.RecordID,
				Payload:        conflict.ServerData,
				Version:        conflict.ServerVersion,
				LastModifiedAt: now,
			}
		}

	case model.ClientWins, model.Manual:
		resolvedData = conflict.ClientData
		if strategy == model.Manual {
			resolvedData = mergedData
		}
		// Adopt the remote version locally so the re-submitted mutation
		// passes the optimistic concurrency check.
		record = &model.LocalRecord{
			Table:          conflict.Table,
			ID:             conflict.RecordID,
			Payload:        resolvedData,
			Version:        conflict.ServerVersion,
			LastModifiedAt: now,
		}
		requeue = &model.QueueItem{
			ID:              r.ids.New(),
			Table:           conflict.Table,
			RecordID:        conflict.RecordID,
			Operation:       model.OpUpdate,
			Payload:         resolvedData,
			BaseVersion:     conflict.ServerVersion,
			Status:          model.StatusPending,
			MaxAttempts:     r.maxAttempts,
			ClientTimestamp: now,
		}

	default:
		return fmt.Errorf("resolve conflict: unknown strategy %q", strategy)
	}

	if err := r.store.ResolveConflictTx(conflict.ID, strategy, resolvedData, now, requeue, record); err != nil {
		return fmt.Errorf("resolving conflict %s: %w", conflict.ID, err)
	}

	conflict.Strategy = strategy
	conflict.ResolvedData = resolvedData
	conflict.Status = model.ConflictResolved
	conflict.ResolvedAt = &now

	r.logger.Info("conflict resolved",
		"id", conflict.ID, "table", conflict.Table, "record_id", conflict.RecordID,
		"strategy", strategy)
	return nil
}

// Open lists unresolved conflicts.
func (r *Resolver) Open() ([]*model.ConflictRecord, error) {
	return r.store.ListConflictsByStatus(model.ConflictOpen)
}

// OpenCount reports the number of unresolved conflicts.
func (r *Resolver) OpenCount() (int, error) {
	return r.store.CountConflictsByStatus(model.ConflictOpen)
}
