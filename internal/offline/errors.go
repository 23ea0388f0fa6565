package offline

import (
	"errors"
	"fmt"
)

// The sync engine classifies failures into a small closed taxonomy so the
// orchestrator can decide mechanically: conflicts go to the resolver,
// transient errors retry with backoff, fatal and auth errors stop the run.
// StorageError (local persistence) lives in the store package.

// VersionConflictError is the optimistic-concurrency rejection from the
// remote: the supplied version no longer matches the remote's current
// version. This is expected, not exceptional, and is never surfaced to
// users directly.
type VersionConflictError struct {
	Table           string
	RecordID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, remote has %d",
		e.Table, e.RecordID, e.ExpectedVersion, e.CurrentVersion)
}

// TransientSyncError is a retryable network or backend failure. The retry
// loop absorbs it silently until the item's attempts are exhausted.
type TransientSyncError struct {
	Err error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("transient sync error: %v", e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// FatalSyncError is a non-retryable rejection, e.g. a payload the remote
// schema refuses. The item fails terminally on first occurrence.
type FatalSyncError struct {
	Err error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("fatal sync error: %v", e.Err)
}

func (e *FatalSyncError) Unwrap() error { return e.Err }

// AuthError covers invalid or expired credentials and the missing cached
// user profile. Reason distinguishes the terminal conditions.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// ErrUserDataNotFound is the distinct terminal condition where credentials
// verified but the cached user profile cannot be located.
var ErrUserDataNotFound = &AuthError{Reason: "user data not found"}

// ErrDrainInProgress rejects a reentrant Drain call. HistoryID identifies
// the run already in flight.
type ErrDrainInProgress struct {
	HistoryID string
}

func (e *ErrDrainInProgress) Error() string {
	return "drain already in progress: " + e.HistoryID
}

// IsConflict reports whether err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsFatal reports whether err is (or wraps) a non-retryable sync error.
func IsFatal(err error) bool {
	var fe *FatalSyncError
	return errors.As(err, &fe)
}

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
