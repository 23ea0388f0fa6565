package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Kind classifies a local persistence failure.
type Kind int

const (
	// KindUnavailable means the backing tier could not be reached or the
	// operation failed for an unclassified reason.
	KindUnavailable Kind = iota
	// KindCapacity means the write was rejected because storage is full.
	KindCapacity
	// KindCorrupted means stored data could not be read back intact.
	KindCorrupted
	// KindPermission means the backing tier denied access.
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity exceeded"
	case KindCorrupted:
		return "corrupted"
	case KindPermission:
		return "permission denied"
	default:
		return "unavailable"
	}
}

// StorageError is the single failure type the durable store raises.
// Callers treat it as "value absent" on reads (and log), but must
// propagate it on writes because data loss is possible.
type StorageError struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "put records/abc"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s) during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// wrap converts an underlying tier error into a StorageError, classifying
// the failure kind from the error chain.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err // already classified
	}
	return &StorageError{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	if os.IsPermission(err) {
		return KindPermission
	}
	if errors.Is(err, syscall.ENOSPC) {
		return KindCapacity
	}
	// SQLite reports exhausted space as SQLITE_FULL.
	if strings.Contains(err.Error(), "database or disk is full") {
		return KindCapacity
	}
	if strings.Contains(err.Error(), "malformed") {
		return KindCorrupted
	}
	return KindUnavailable
}
