// Package registry records, per user, which blob holds the latest persisted
// index and at which version. Publishing is guarded by the version: a
// record only replaces one with a strictly lower version, so a stale writer
// cannot roll a user back.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
)

var (
	// ErrNotFound is returned when a user has no published index
	ErrNotFound = errors.New("registry record not found")
	// ErrVersionConflict is returned when Publish carries a stale version
	ErrVersionConflict = errors.New("registry version conflict")
)

// Record points a user at the blob holding their latest snapshot
type Record struct {
	UserKey   string        `json:"user_key" msgpack:"user_key"`
	Ref       blobstore.Ref `json:"ref" msgpack:"ref"`
	Version   uint64        `json:"version" msgpack:"version"`
	UpdatedAt time.Time     `json:"updated_at" msgpack:"updated_at"`
}

// Registry is the durable userKey -> {ref, version} mapping.
type Registry interface {
	// Lookup returns the latest record for user, or ErrNotFound.
	Lookup(ctx context.Context, user string) (Record, error)
	// Publish stores rec if no record exists or the stored version is lower
	// than rec.Version. Otherwise it returns ErrVersionConflict.
	// Republishing an identical record succeeds.
	Publish(ctx context.Context, rec Record) error
}

// accept implements the version rule shared by every backend.
func accept(current *Record, next Record) error {
	switch {
	case next.Version == 0:
		return ErrVersionConflict
	case current == nil:
		return nil
	case current.Version == next.Version && current.Ref == next.Ref:
		return errIdempotent
	case current.Version < next.Version:
		return nil
	}
	return ErrVersionConflict
}

// errIdempotent signals a retried publish that needs no write
var errIdempotent = errors.New("record already published")
