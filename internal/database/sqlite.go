package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"labsync/internal/database/migrations"
	"labsync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase is the asynchronous entity tier: cached remote records,
// the sync queue, the conflict log, and drain history all live here.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, path: ""}
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the engine relies on. Exported for tools and tests.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys default to OFF in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Wait for locks instead of failing immediately; the engine and the UI
	// layer may share the file.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Record operations

func (s *SQLiteDatabase) GetRecord(table, id string) (*model.LocalRecord, error) {
	row := s.db.QueryRow(
		`SELECT table_name, id, payload, version, last_modified_at
		 FROM records WHERE table_name = ? AND id = ?`, table, id)

	var rec model.LocalRecord
	var payload string
	err := row.Scan(&rec.Table, &rec.ID, &payload, &rec.Version, &rec.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding record %s/%s: %w", table, id, err)
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

// PutRecord inserts or replaces the cached copy of a remote entity.
func (s *SQLiteDatabase) PutRecord(rec *model.LocalRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO records (table_name, id, payload, version, last_modified_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, id) DO UPDATE SET
		   payload = excluded.payload,
		   version = excluded.version,
		   last_modified_at = excluded.last_modified_at`,
		rec.Table, rec.ID, string(rec.Payload), rec.Version, rec.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storing record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteRecord(table, id string) error {
	if _, err := s.db.Exec(
		`DELETE FROM records WHERE table_name = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", table, id, err)
	}
	return nil
}

// Queue operations

const queueColumns = `id, table_name, record_id, operation, payload,
	base_version, status, attempt_count, max_attempts, priority,
	client_timestamp, last_attempt_at, next_attempt_at, error_message`

func (s *SQLiteDatabase) InsertQueueItem(item *model.QueueItem) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_queue (`+queueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Table, item.RecordID, string(item.Operation),
		nullableJSON(item.Payload), item.BaseVersion, string(item.Status),
		item.AttemptCount, item.MaxAttempts, item.Priority,
		item.ClientTimestamp, nullableTime(item.LastAttemptAt),
		nullableTime(item.NextAttemptAt), item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting queue item: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetQueueItem(id string) (*model.QueueItem, error) {
	row := s.db.QueryRow(
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding queue item %s: %w", id, err)
	}
	return item, nil
}

// EligibleQueueBatch returns up to limit pending items whose backoff window
// has elapsed, ordered by priority descending then client timestamp
// ascending (oldest first within a tier).
func (s *SQLiteDatabase) EligibleQueueBatch(now time.Time, limit int) ([]*model.QueueItem, error) {
	rows, err := s.db.Query(
		`SELECT `+queueColumns+` FROM sync_queue
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY priority DESC, client_timestamp ASC
		 LIMIT ?`, string(model.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying eligible queue batch: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// UpdateQueueItem writes back the item's mutable fields (status, attempt
// bookkeeping, error message).
func (s *SQLiteDatabase) UpdateQueueItem(item *model.QueueItem) error {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ?, attempt_count = ?,
		   last_attempt_at = ?, next_attempt_at = ?, error_message = ?
		 WHERE id = ?`,
		string(item.Status), item.AttemptCount,
		nullableTime(item.LastAttemptAt), nullableTime(item.NextAttemptAt),
		item.ErrorMessage, item.ID)
	if err != nil {
		return fmt.Errorf("updating queue item %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating queue item %s: %w", item.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("queue item not found: %s", item.ID)
	}
	return nil
}

func (s *SQLiteDatabase) ListQueueItemsByStatus(status model.QueueStatus) ([]*model.QueueItem, error) {
	rows, err := s.db.Query(
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ?
		 ORDER BY client_timestamp ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing queue items: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// CountQueueByStatus returns the number of queue items per status.
func (s *SQLiteDatabase) CountQueueByStatus() (map[model.QueueStatus]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning queue counts: %w", err)
		}
		counts[model.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

// ResetSyncingItems moves every item stuck in syncing back to pending.
// Used on drain abort and on startup recovery after a crash mid-call.
func (s *SQLiteDatabase) ResetSyncingItems() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		string(model.StatusPending), string(model.StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("resetting syncing items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting syncing items: %w", err)
	}
	return n, nil
}

// ResetFailedItems moves terminally failed items back to pending with a
// fresh attempt budget. Returns the number of items reset.
func (s *SQLiteDatabase) ResetFailedItems() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sync_queue
		 SET status = ?, attempt_count = 0, next_attempt_at = NULL, error_message = ''
		 WHERE status = ?`,
		string(model.StatusPending), string(model.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	return n, nil
}

// DeleteQueueItemsByStatus removes items in the given status, e.g. pruning
// synced items. Returns the number deleted.
func (s *SQLiteDatabase) DeleteQueueItemsByStatus(status model.QueueStatus) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM sync_queue WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("deleting queue items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting queue items: %w", err)
	}
	return n, nil
}

// Conflict operations

const conflictColumns = `id, table_name, record_id, client_data, server_data,
	client_version, server_version, strategy, resolved_data, status,
	detected_at, resolved_at`

func (s *SQLiteDatabase) InsertConflict(c *model.ConflictRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO conflicts (`+conflictColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Table, c.RecordID, nullableJSON(c.ClientData),
		nullableJSON(c.ServerData), c.ClientVersion, c.ServerVersion,
		string(c.Strategy), nullableJSON(c.ResolvedData), string(c.Status),
		c.DetectedAt, nullableTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetConflict(id string) (*model.ConflictRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding conflict %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteDatabase) ListConflictsByStatus(status model.ConflictStatus) ([]*model.ConflictRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+conflictColumns+` FROM conflicts WHERE status = ?
		 ORDER BY detected_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var result []*model.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) CountConflictsByStatus(status model.ConflictStatus) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM conflicts WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting conflicts: %w", err)
	}
	return n, nil
}

// ResolveConflictTx atomically marks a conflict resolved, optionally
// re-queues a follow-up mutation, and optionally rewrites the cached
// record, all in one transaction so a crash cannot leave a conflict
// closed without its outcome persisted.
func (s *SQLiteDatabase) ResolveConflictTx(conflictID string, strategy model.Strategy, resolvedData []byte, resolvedAt time.Time, requeue *model.QueueItem, record *model.LocalRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE conflicts SET strategy = ?, resolved_data = ?, status = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(strategy), nullableJSON(resolvedData),
		string(model.ConflictResolved), resolvedAt,
		conflictID, string(model.ConflictOpen))
	if err != nil {
		return fmt.Errorf("resolving conflict %s: %w", conflictID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving conflict %s: %w", conflictID, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict not open: %s", conflictID)
	}

	if record != nil {
		_, err := tx.Exec(
			`INSERT INTO records (table_name, id, payload, version, last_modified_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (table_name, id) DO UPDATE SET
			   payload = excluded.payload,
			   version = excluded.version,
			   last_modified_at = excluded.last_modified_at`,
			record.Table, record.ID, string(record.Payload),
			record.Version, record.LastModifiedAt)
		if err != nil {
			return fmt.Errorf("storing resolved record: %w", err)
		}
	}

	if requeue != nil {
		_, err := tx.Exec(
			`INSERT INTO sync_queue (`+queueColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			requeue.ID, requeue.Table, requeue.RecordID, string(requeue.Operation),
			nullableJSON(requeue.Payload), requeue.BaseVersion, string(requeue.Status),
			requeue.AttemptCount, requeue.MaxAttempts, requeue.Priority,
			requeue.ClientTimestamp, nullableTime(requeue.LastAttemptAt),
			nullableTime(requeue.NextAttemptAt), requeue.ErrorMessage)
		if err != nil {
			return fmt.Errorf("re-queueing resolution: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Sync history operations

func (s *SQLiteDatabase) InsertHistory(h *model.SyncHistory) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_history (id, started_at, finished_at, synced_count,
		   failed_count, conflict_count, duration_ms, error_summary, device_id, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.StartedAt, nullableTime(h.FinishedAt), h.SyncedCount,
		h.FailedCount, h.ConflictCount, h.DurationMs, h.ErrorSummary,
		h.DeviceID, h.UserID)
	if err != nil {
		return fmt.Errorf("inserting sync history: %w", err)
	}
	return nil
}

// FinalizeHistory closes out a drain's history entry. A history row may be
// finalized at most once; later updates are rejected.
func (s *SQLiteDatabase) FinalizeHistory(h *model.SyncHistory) error {
	res, err := s.db.Exec(
		`UPDATE sync_history SET finished_at = ?, synced_count = ?,
		   failed_count = ?, conflict_count = ?, duration_ms = ?, error_summary = ?
		 WHERE id = ? AND finished_at IS NULL`,
		nullableTime(h.FinishedAt), h.SyncedCount, h.FailedCount,
		h.ConflictCount, h.DurationMs, h.ErrorSummary, h.ID)
	if err != nil {
		return fmt.Errorf("finalizing sync history %s: %w", h.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalizing sync history %s: %w", h.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("sync history already finalized or missing: %s", h.ID)
	}
	return nil
}

func (s *SQLiteDatabase) ListHistory(limit int) ([]*model.SyncHistory, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, finished_at, synced_count, failed_count,
		   conflict_count, duration_ms, error_summary, device_id, user_id
		 FROM sync_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync history: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncHistory
	for rows.Next() {
		var h model.SyncHistory
		var finished sql.NullTime
		err := rows.Scan(&h.ID, &h.StartedAt, &finished, &h.SyncedCount,
			&h.FailedCount, &h.ConflictCount, &h.DurationMs, &h.ErrorSummary,
			&h.DeviceID, &h.UserID)
		if err != nil {
			return nil, fmt.Errorf("scanning sync history: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			h.FinishedAt = &t
		}
		result = append(result, &h)
	}
	return result, rows.Err()
}

// LastSyncAt returns the finish time of the most recent completed drain,
// or the zero time if no drain has completed.
func (s *SQLiteDatabase) LastSyncAt() (time.Time, error) {
	var finished sql.NullTime
	err := s.db.QueryRow(
		`SELECT finished_at FROM sync_history
		 WHERE finished_at IS NOT NULL ORDER BY finished_at DESC LIMIT 1`).Scan(&finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("finding last sync time: %w", err)
	}
	return finished.Time, nil
}

// Maintenance

// Ping verifies the connection is alive. Used by the readiness probe.
func (s *SQLiteDatabase) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// ClearAll deletes every row from every entity table. The schema stays.
func (s *SQLiteDatabase) ClearAll() error {
	for _, table := range []string{"records", "sync_queue", "conflicts", "sync_history"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// UsageBytes returns the database size as page_count × page_size.
func (s *SQLiteDatabase) UsageBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// EntityCounts returns the row count of each entity table, keyed by the
// logical table name cached records use, plus the engine's own tables.
func (s *SQLiteDatabase) EntityCounts() (map[string]int64, error) {
	counts := make(map[string]int64)

	rows, err := s.db.Query(
		`SELECT table_name, COUNT(*) FROM records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning record counts: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, table := range []string{"sync_queue", "conflicts", "sync_history"} {
		var n int64
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	var item model.QueueItem
	var operation, status string
	var payload sql.NullString
	var lastAttempt, nextAttempt sql.NullTime

	err := row.Scan(&item.ID, &item.Table, &item.RecordID, &operation,
		&payload, &item.BaseVersion, &status, &item.AttemptCount,
		&item.MaxAttempts, &item.Priority, &item.ClientTimestamp,
		&lastAttempt, &nextAttempt, &item.ErrorMessage)
	if err != nil {
		return nil, err
	}

	item.Operation = model.Operation(operation)
	item.Status = model.QueueStatus(status)
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttemptAt = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		item.NextAttemptAt = &t
	}
	return &item, nil
}

func collectQueueItems(rows *sql.Rows) ([]*model.QueueItem, error) {
	var result []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func scanConflict(row rowScanner) (*model.ConflictRecord, error) {
	var c model.ConflictRecord
	var strategy, status string
	var clientData, serverData, resolvedData sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Table, &c.RecordID, &clientData, &serverData,
		&c.ClientVersion, &c.ServerVersion, &strategy, &resolvedData,
		&status, &c.DetectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.Strategy = model.Strategy(strategy)
	c.Status = model.ConflictStatus(status)
	if clientData.Valid {
		c.ClientData = []byte(clientData.String)
	}
	if serverData.Valid {
		c.ServerData = []byte(serverData.String)
	}
	if resolvedData.Valid {
		c.ResolvedData = []byte(resolvedData.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableJSON(data []byte) sql.NullString {
	if data == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
