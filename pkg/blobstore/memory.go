package blobstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps blobs in a map. It is meant for tests and single-process
// deployments where durability is not required.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Ref][]byte
	puts  atomic.Int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Ref][]byte)}
}

// Put stores a copy of data under its content address.
func (s *MemoryStore) Put(ctx context.Context, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := ContentRef(data)
	s.puts.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

// Get returns a copy of the blob stored under ref.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Puts returns how many Put calls the store has served
func (s *MemoryStore) Puts() int64 {
	return s.puts.Load()
}

// Len returns the number of distinct blobs
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
