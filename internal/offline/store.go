package offline

import (
	"time"

	"labsync/internal/model"
)

// Store is the slice of the durable store the sync engine depends on.
// All persisted engine state flows through this interface; the engine
// itself never touches a database handle.
//
// Error contract: read failures may be absorbed by callers as "absent"
// (after logging), but write failures must stop the current operation
// because silently dropping a mutation loses data.
type Store interface {
	// Entity records
	Get(table, id string) (*model.LocalRecord, error)
	Put(rec *model.LocalRecord) error
	Remove(table, id string) error

	// Sync queue
	InsertQueueItem(item *model.QueueItem) error
	GetQueueItem(id string) (*model.QueueItem, error)
	EligibleQueueBatch(now time.Time, limit int) ([]*model.QueueItem, error)
	UpdateQueueItem(item *model.QueueItem) error
	ListQueueItemsByStatus(status model.QueueStatus) ([]*model.QueueItem, error)
	CountQueueByStatus() (map[model.QueueStatus]int, error)
	ResetSyncingItems() (int64, error)
	ResetFailedItems() (int64, error)
	DeleteQueueItemsByStatus(status model.QueueStatus) (int64, error)

	// Conflict log
	InsertConflict(c *model.ConflictRecord) error
	GetConflict(id string) (*model.ConflictRecord, error)
	ListConflictsByStatus(status model.ConflictStatus) ([]*model.ConflictRecord, error)
	CountConflictsByStatus(status model.ConflictStatus) (int, error)
	ResolveConflictTx(conflictID string, strategy model.Strategy, resolvedData []byte, resolvedAt time.Time, requeue *model.QueueItem, record *model.LocalRecord) error

	// Sync history
	InsertHistory(h *model.SyncHistory) error
	FinalizeHistory(h *model.SyncHistory) error
	ListHistory(limit int) ([]*model.SyncHistory, error)
	LastSyncAt() (time.Time, error)
}
