package offline

import (
	"context"
	"encoding/json"
	"time"

	"labsync/internal/model"
)

// MutationResult is what the remote reports after accepting a mutation.
// ServerData is the authoritative post-apply payload (nil for deletes).
type MutationResult struct {
	NewVersion int64
	ServerData json.RawMessage
	AppliedAt  time.Time
}

// Gateway is the engine's view of the portal backend. Implementations
// translate remote failures into the engine's error taxonomy:
// *VersionConflictError for optimistic-concurrency rejections,
// *TransientSyncError for anything worth retrying, *FatalSyncError for
// definitive rejections and *AuthError for credential problems.
type Gateway interface {
	// SubmitMutation transmits one queued mutation. baseVersion is the
	// last remote version the client observed for the record.
	SubmitMutation(ctx context.Context, item *model.QueueItem, baseVersion int64) (*MutationResult, error)

	// FetchRecord retrieves the remote's current copy of a record.
	// Returns (nil, nil) when the record does not exist remotely.
	FetchRecord(ctx context.Context, table, id string) (*model.LocalRecord, error)

	// Ping verifies the remote is reachable.
	Ping(ctx context.Context) error
}
