package blobstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachingStore is a read-through cache in front of another Store. Blobs are
// immutable, so cached entries never need invalidation.
type CachingStore struct {
	inner Store
	cache *ristretto.Cache
}

// NewCachingStore wraps inner with a cache bounded to maxBytes of blob data.
func NewCachingStore(inner Store, maxBytes int64) (*CachingStore, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}
	// ristretto recommends ~10x counters per expected item; assume 64KiB blobs.
	counters := maxBytes / (64 << 10) * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob cache: %w", err)
	}
	return &CachingStore{inner: inner, cache: c}, nil
}

// Put writes through to the inner store and primes the cache.
func (s *CachingStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := s.inner.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.cache.Set(string(ref), append([]byte(nil), data...), int64(len(data)))
	return ref, nil
}

// Get serves from the cache, falling back to the inner store on a miss.
func (s *CachingStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if v, ok := s.cache.Get(string(ref)); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}
	data, err := s.inner.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.cache.Set(string(ref), append([]byte(nil), data...), int64(len(data)))
	return data, nil
}

// Wait blocks until buffered cache writes are applied
func (s *CachingStore) Wait() {
	s.cache.Wait()
}

// Close releases the cache
func (s *CachingStore) Close() {
	s.cache.Close()
}
