package blobstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerOptions configures an embedded BadgerDB instance
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence
	InMemory bool
	// Logger receives badger warnings and errors; nil silences them
	Logger *zap.Logger
}

// OpenBadger opens a BadgerDB that can be shared between a BadgerStore and
// a badger-backed registry.
func OpenBadger(opts BadgerOptions) (*badger.DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.Sugar().Named("badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// badgerLogger forwards warnings and errors to zap and drops the chatter.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(string, ...interface{})        {}
func (l badgerLogger) Debugf(string, ...interface{})       {}

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
}

// NewBadgerStore stores blobs in db under keys "blob/<ref>".
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, prefix: []byte("blob/")}
}

func (s *BadgerStore) key(ref Ref) []byte {
	return append(append([]byte(nil), s.prefix...), ref...)
}

// Put stores data under its content address.
func (s *BadgerStore) Put(_ context.Context, data []byte) (Ref, error) {
	ref := ContentRef(data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(ref), data)
	})
	if err != nil {
		return "", fmt.Errorf("badger put %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads the blob stored under ref.
func (s *BadgerStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(ref))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", ref, err)
	}
	return val, nil
}
