package offline

import (
	"context"
	"fmt"
	"time"

	"labsync/internal/model"
)

// SyncStatus is a point-in-time snapshot of the engine's state.
type SyncStatus struct {
	Online        bool
	DrainActive   bool
	QueueCounts   map[model.QueueStatus]int
	OpenConflicts int
	LastSyncAt    time.Time // zero when no drain has completed
}

// Status collects a snapshot. Reachability is checked by pinging the
// gateway; a failed ping, or having no gateway at all, reads as offline,
// not as an error.
func (e *Engine) Status(ctx context.Context) (*SyncStatus, error) {
	counts, err := e.queue.Stats()
	if err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}
	openConflicts, err := e.resolver.OpenCount()
	if err != nil {
		return nil, fmt.Errorf("counting open conflicts: %w", err)
	}
	lastSync, err := e.store.LastSyncAt()
	if err != nil {
		return nil, fmt.Errorf("reading last sync time: %w", err)
	}

	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	return &SyncStatus{
		Online:        e.gateway != nil && e.gateway.Ping(ctx) == nil,
		DrainActive:   active,
		QueueCounts:   counts,
		OpenConflicts: openConflicts,
		LastSyncAt:    lastSync,
	}, nil
}

// History returns the most recent drain audit entries, newest first.
func (e *Engine) History(limit int) ([]*model.SyncHistory, error) {
	return e.store.ListHistory(limit)
}

// OpenConflicts lists unresolved conflicts.
func (e *Engine) OpenConflicts() ([]*model.ConflictRecord, error) {
	return e.resolver.Open()
}

// ResolveConflict closes an open conflict with an explicit decision.
func (e *Engine) ResolveConflict(conflictID string, strategy model.Strategy, mergedData []byte) error {
	return e.resolver.ResolveManually(conflictID, strategy, mergedData)
}

// RetryFailed returns terminally failed queue items to pending.
func (e *Engine) RetryFailed() (int64, error) {
	return e.queue.RetryFailed()
}

// PruneSynced deletes completed queue items.
func (e *Engine) PruneSynced() (int64, error) {
	return e.queue.PruneSynced()
}
