package btree

import (
	"errors"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	ErrInvalidDegree       = errors.New("btree degree must be at least 2")
	ErrNilKeyOrder         = errors.New("keyOrder function must be provided")
	ErrNilSerializer       = errors.New("all key/value serializers must be provided")
	ErrSerialization       = errors.New("error during serialization")
	ErrDeserialization     = errors.New("error during deserialization")
	ErrDBFileExists        = errors.New("database file already exists")
	ErrDBFileNotFound      = errors.New("database file not found")
	ErrEmptyTree           = errors.New("btree is empty")
	ErrTreeClosed          = errors.New("btree is closed")
	ErrUseAfterFree        = errors.New("page is on the free list")
	ErrMissingChild        = errors.New("child node has not been written to disk")
	ErrKeyTypeMismatch     = errors.New("key type does not match the tree's key type")
	ErrElementTypeMismatch = errors.New("element type does not match the tree's element type")
	ErrInvalidPageID       = errors.New("invalid page id")
	ErrCorruptFreeList     = errors.New("free list link points outside the file")
	ErrInvariantViolation  = errors.New("btree structural invariant violated")

	// Re-exported so callers only need this package for errors.Is checks.
	ErrCapacityExceeded = pagemanager.ErrCapacityExceeded
	ErrIO               = pagemanager.ErrIO
	ErrFileLocked       = pagemanager.ErrFileLocked
)
