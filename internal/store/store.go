// Package store is the durable store: the single owner of all persisted
// engine state. It layers a small synchronous key/value tier for flags and
// cached credentials over a larger SQLite tier for entities, the sync queue,
// conflicts and history, behind one facade that maps every failure to a
// StorageError.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"labsync/internal/database"
	"labsync/internal/kvstore"
	"labsync/internal/model"
	"labsync/internal/offline"
)

var _ offline.Store = (*DurableStore)(nil)

// Well-known config-tier keys.
const (
	KeyOfflineCredentials = "offline_credentials"
	KeyOfflineSession     = "offline_session"
)

// UsageInfo summarizes what the store currently holds.
type UsageInfo struct {
	Used         int64            // bytes across both tiers
	Capacity     int64            // 0 when the backing tiers impose no fixed quota
	EntityCounts map[string]int64 // rows per logical table
}

// DurableStore combines the two storage tiers.
type DurableStore struct {
	kv kvstore.Store
	db *database.SQLiteDatabase
}

// New creates a DurableStore over the given tiers.
func New(kv kvstore.Store, db *database.SQLiteDatabase) *DurableStore {
	return &DurableStore{kv: kv, db: db}
}

// Entity records

func (s *DurableStore) Get(table, id string) (*model.LocalRecord, error) {
	rec, err := s.db.GetRecord(table, id)
	if err != nil {
		return nil, wrap(fmt.Sprintf("get %s/%s", table, id), err)
	}
	return rec, nil
}

func (s *DurableStore) Put(rec *model.LocalRecord) error {
	return wrap(fmt.Sprintf("put %s/%s", rec.Table, rec.ID), s.db.PutRecord(rec))
}

func (s *DurableStore) Remove(table, id string) error {
	return wrap(fmt.Sprintf("remove %s/%s", table, id), s.db.DeleteRecord(table, id))
}

// Config tier

// SetConfig stores a value under key. Strings pass through unchanged;
// every other type is JSON-encoded.
func (s *DurableStore) SetConfig(key string, value any) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return wrap("set config "+key, err)
		}
		raw = string(data)
	}
	return wrap("set config "+key, s.kv.Set(key, raw))
}

// GetConfig returns the decoded value for key. Values that fail to decode
// as JSON are returned as their raw string; a decode failure is never an
// error here.
func (s *DurableStore) GetConfig(key string) (any, bool, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return nil, false, wrap("get config "+key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw, true, nil
	}
	return decoded, true, nil
}

// GetConfigRaw returns the stored string without decoding, for callers
// that unmarshal into their own types.
func (s *DurableStore) GetConfigRaw(key string) (string, bool, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return "", false, wrap("get config "+key, err)
	}
	return raw, ok, nil
}

func (s *DurableStore) RemoveConfig(key string) error {
	return wrap("remove config "+key, s.kv.Delete(key))
}

// Maintenance

// ClearAll wipes both tiers, the synchronous config tier strictly first.
// If the entity tier then fails, the error is reported even though the
// config tier is already gone; partial clears are never silent.
func (s *DurableStore) ClearAll() error {
	if err := s.kv.Clear(); err != nil {
		return wrap("clear config tier", err)
	}
	if err := s.db.ClearAll(); err != nil {
		return wrap("clear entity tier (config tier already cleared)", err)
	}
	return nil
}

// IsReady probes both tiers: a trivial write+remove round-trip on the
// config tier and a liveness ping on the entity tier.
func (s *DurableStore) IsReady() bool {
	const probeKey = "__ready_probe__"
	if err := s.kv.Set(probeKey, "probe"); err != nil {
		return false
	}
	if err := s.kv.Delete(probeKey); err != nil {
		return false
	}
	return s.db.Ping() == nil
}

// UsageInfo reports combined usage of both tiers and per-table counts.
func (s *DurableStore) UsageInfo() (*UsageInfo, error) {
	kvSize, err := s.kv.Size()
	if err != nil {
		return nil, wrap("usage info", err)
	}
	dbSize, err := s.db.UsageBytes()
	if err != nil {
		return nil, wrap("usage info", err)
	}
	counts, err := s.db.EntityCounts()
	if err != nil {
		return nil, wrap("usage info", err)
	}
	return &UsageInfo{
		Used:         kvSize + dbSize,
		EntityCounts: counts,
	}, nil
}

// Sync queue. Owned here so no other component persists queue state.

func (s *DurableStore) InsertQueueItem(item *model.QueueItem) error {
	return wrap("insert queue item", s.db.InsertQueueItem(item))
}

func (s *DurableStore) GetQueueItem(id string) (*model.QueueItem, error) {
	item, err := s.db.GetQueueItem(id)
	if err != nil {
		return nil, wrap("get queue item", err)
	}
	return item, nil
}

func (s *DurableStore) EligibleQueueBatch(now time.Time, limit int) ([]*model.QueueItem, error) {
	items, err := s.db.EligibleQueueBatch(now, limit)
	if err != nil {
		return nil, wrap("dequeue batch", err)
	}
	return items, nil
}

func (s *DurableStore) UpdateQueueItem(item *model.QueueItem) error {
	return wrap("update queue item", s.db.UpdateQueueItem(item))
}

func (s *DurableStore) ListQueueItemsByStatus(status model.QueueStatus) ([]*model.QueueItem, error) {
	items, err := s.db.ListQueueItemsByStatus(status)
	if err != nil {
		return nil, wrap("list queue items", err)
	}
	return items, nil
}

func (s *DurableStore) CountQueueByStatus() (map[model.QueueStatus]int, error) {
	counts, err := s.db.CountQueueByStatus()
	if err != nil {
		return nil, wrap("count queue items", err)
	}
	return counts, nil
}

func (s *DurableStore) ResetSyncingItems() (int64, error) {
	n, err := s.db.ResetSyncingItems()
	if err != nil {
		return 0, wrap("reset syncing items", err)
	}
	return n, nil
}

func (s *DurableStore) ResetFailedItems() (int64, error) {
	n, err := s.db.ResetFailedItems()
	if err != nil {
		return 0, wrap("reset failed items", err)
	}
	return n, nil
}

func (s *DurableStore) DeleteQueueItemsByStatus(status model.QueueStatus) (int64, error) {
	n, err := s.db.DeleteQueueItemsByStatus(status)
	if err != nil {
		return 0, wrap("delete queue items", err)
	}
	return n, nil
}

// Conflict log

func (s *DurableStore) InsertConflict(c *model.ConflictRecord) error {
	return wrap("insert conflict", s.db.InsertConflict(c))
}

func (s *DurableStore) GetConflict(id string) (*model.ConflictRecord, error) {
	c, err := s.db.GetConflict(id)
	if err != nil {
		return nil, wrap("get conflict", err)
	}
	return c, nil
}

func (s *DurableStore) ListConflictsByStatus(status model.ConflictStatus) ([]*model.ConflictRecord, error) {
	conflicts, err := s.db.ListConflictsByStatus(status)
	if err != nil {
		return nil, wrap("list conflicts", err)
	}
	return conflicts, nil
}

func (s *DurableStore) CountConflictsByStatus(status model.ConflictStatus) (int, error) {
	n, err := s.db.CountConflictsByStatus(status)
	if err != nil {
		return 0, wrap("count conflicts", err)
	}
	return n, nil
}

func (s *DurableStore) ResolveConflictTx(conflictID string, strategy model.Strategy, resolvedData []byte, resolvedAt time.Time, requeue *model.QueueItem, record *model.LocalRecord) error {
	return wrap("resolve conflict",
		s.db.ResolveConflictTx(conflictID, strategy, resolvedData, resolvedAt, requeue, record))
}

// Sync history

func (s *DurableStore) InsertHistory(h *model.SyncHistory) error {
	return wrap("insert sync history", s.db.InsertHistory(h))
}

func (s *DurableStore) FinalizeHistory(h *model.SyncHistory) error {
	return wrap("finalize sync history", s.db.FinalizeHistory(h))
}

func (s *DurableStore) ListHistory(limit int) ([]*model.SyncHistory, error) {
	history, err := s.db.ListHistory(limit)
	if err != nil {
		return nil, wrap("list sync history", err)
	}
	return history, nil
}

func (s *DurableStore) LastSyncAt() (time.Time, error) {
	t, err := s.db.LastSyncAt()
	if err != nil {
		return time.Time{}, wrap("last sync time", err)
	}
	return t, nil
}
