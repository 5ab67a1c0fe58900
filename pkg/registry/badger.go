package registry

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// BadgerRegistry stores records in an embedded BadgerDB under
// "registry/<user>". Badger transactions detect concurrent writers.
type BadgerRegistry struct {
	db *badger.DB
}

// NewBadgerRegistry creates a registry on db
func NewBadgerRegistry(db *badger.DB) *BadgerRegistry {
	return &BadgerRegistry{db: db}
}

func registryKey(user string) []byte {
	return []byte("registry/" + user)
}

func readRecord(txn *badger.Txn, user string) (*Record, error) {
	item, err := txn.Get(registryKey(user))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Lookup returns the latest record for user
func (r *BadgerRegistry) Lookup(_ context.Context, user string) (Record, error) {
	var rec *Record
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, user)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("badger lookup %s: %w", user, err)
	}
	if rec == nil {
		return Record{}, fmt.Errorf("user %s: %w", user, ErrNotFound)
	}
	return *rec, nil
}

// Publish stores rec under the version rule
func (r *BadgerRegistry) Publish(_ context.Context, rec Record) error {
	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		current, err := readRecord(txn, rec.UserKey)
		if err != nil {
			return err
		}
		if err := accept(current, rec); err != nil {
			return err
		}
		return txn.Set(registryKey(rec.UserKey), val)
	})
	switch {
	case err == nil, errors.Is(err, errIdempotent):
		return nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("user %s version %d: %w", rec.UserKey, rec.Version, ErrVersionConflict)
	}
	return fmt.Errorf("badger publish %s: %w", rec.UserKey, err)
}
