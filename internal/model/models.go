package model

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a queue item carries to the remote.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known mutation kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
// Transitions: pending → syncing → {synced | failed | conflict}.
// A failed item returns to pending while attempts remain.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusSyncing  QueueStatus = "syncing"
	StatusSynced   QueueStatus = "synced"
	StatusFailed   QueueStatus = "failed"
	StatusConflict QueueStatus = "conflict"
)

// Strategy selects how a version conflict is resolved.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Manual     Strategy = "manual"
)

// Valid reports whether s is one of the known resolution strategies.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, ClientWins, Manual:
		return true
	}
	return false
}

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// LocalRecord is a client-cached copy of one remote entity.
// Version is owned by the remote: it never decreases and is never
// incremented locally. A local write before first sync keeps the last
// known remote version for the optimistic concurrency check.
type LocalRecord struct {
	Table          string
	ID             string
	Payload        json.RawMessage
	Version        int64
	LastModifiedAt time.Time
}

// QueueItem is one pending local mutation awaiting transmission.
// BaseVersion is the last known remote version of the record at enqueue
// time; it is the expected version for the optimistic concurrency check
// even after a local delete has removed the cached record.
type QueueItem struct {
	ID              string
	Table           string
	RecordID        string
	Operation       Operation
	Payload         json.RawMessage
	BaseVersion     int64
	Status          QueueStatus
	AttemptCount    int
	MaxAttempts     int
	Priority        int
	ClientTimestamp time.Time
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time // earliest eligible retry time after backoff
	ErrorMessage    string
}

// ConflictRecord is the persisted outcome of a detected version mismatch.
// Conflict records are never deleted, only marked resolved.
type ConflictRecord struct {
	ID            string
	Table         string
	RecordID      string
	ClientData    json.RawMessage
	ServerData    json.RawMessage
	ClientVersion int64
	ServerVersion int64
	Strategy      Strategy
	ResolvedData  json.RawMessage // nil until resolved
	Status        ConflictStatus
	DetectedAt    time.Time
	ResolvedAt    *time.Time
}

// SyncHistory is the append-only audit entry for one drain cycle.
// It is created when the drain starts and finalized exactly once when
// the drain ends; it is never mutated afterward.
type SyncHistory struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    *time.Time
	SyncedCount   int
	FailedCount   int
	ConflictCount int
	DurationMs    int64
	ErrorSummary  string
	DeviceID      string
	UserID        string
}

// User is the cached profile of a portal user, kept in the entity store
// so offline login can return it without reaching the remote.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Session is a token bundle, either issued by the remote auth gateway or
// synthesized locally for offline use.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OfflineCredential is the salted password digest cached for offline
// verification. Only the digest is stored, never the plaintext.
type OfflineCredential struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"` // normalized: trimmed, lower-cased
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OfflineSession is a cached user+session pair with its own, shorter TTL.
type OfflineSession struct {
	UserID    string    `json:"user_id"`
	User      User      `json:"user"`
	Session   Session   `json:"session"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
