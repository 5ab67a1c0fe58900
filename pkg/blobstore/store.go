// Package blobstore provides content-addressed storage for serialized index
// snapshots. Every backend stores immutable blobs: putting identical bytes
// twice yields the same Ref and is safe to retry.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ErrInvalidRef is returned for references a backend cannot address
var ErrInvalidRef = errors.New("invalid blob reference")

// Ref is an opaque blob reference
type Ref string

// String implements fmt.Stringer
func (r Ref) String() string {
	return string(r)
}

// Store is an abstraction for putting and getting immutable blobs.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte) (Ref, error)
	// Get returns the bytes previously stored under ref.
	Get(ctx context.Context, ref Ref) ([]byte, error)
}

// ContentRef returns the content address of data: the hex SHA-256 digest.
func ContentRef(data []byte) Ref {
	sum := sha256.Sum256(data)
	return Ref(hex.EncodeToString(sum[:]))
}

// checkContentRef verifies ref looks like a ContentRef so it can be used as
// a file or object name.
func checkContentRef(ref Ref) error {
	if len(ref) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(string(ref)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
