package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when a vector length differs from the index dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidVector is returned for empty vectors or vectors holding NaN or ±Inf
	ErrInvalidVector = errors.New("invalid vector")
	// ErrIndexNotFound is returned when a user has no committed, pending or persisted data
	ErrIndexNotFound = errors.New("index not found")
	// ErrStorage matches every StorageError
	ErrStorage = errors.New("storage error")
	// ErrSerialization matches every SerializationError
	ErrSerialization = errors.New("serialization error")
	// ErrClosed is returned after Destroy
	ErrClosed = errors.New("index cache is closed")
	// ErrCapacityExceeded is returned when an insert would exceed MaxElements
	ErrCapacityExceeded = errors.New("index capacity exceeded")
	// ErrPendingWrites is returned when replacing an entry that still has unflushed writes
	ErrPendingWrites = errors.New("user has unflushed writes")
	// ErrInvalidOptions is returned for malformed search options
	ErrInvalidOptions = errors.New("invalid search options")
)

// StorageError reports a blob store or registry failure
type StorageError struct {
	Op   string
	User string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s for user %q: %v", e.Op, e.User, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) hold
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// SerializationError reports a failure encoding or decoding a snapshot
type SerializationError struct {
	Op   string
	User string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization %s for user %q: %v", e.Op, e.User, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSerialization) hold
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }
