package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryRegistry keeps records in a map
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

// Lookup returns the latest record for user
func (r *MemoryRegistry) Lookup(ctx context.Context, user string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[user]
	if !ok {
		return Record{}, fmt.Errorf("user %s: %w", user, ErrNotFound)
	}
	return rec, nil
}

// Publish stores rec under the version rule
func (r *MemoryRegistry) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current *Record
	if cur, ok := r.records[rec.UserKey]; ok {
		current = &cur
	}
	if err := accept(current, rec); err != nil {
		if errors.Is(err, errIdempotent) {
			return nil
		}
		return fmt.Errorf("user %s version %d: %w", rec.UserKey, rec.Version, err)
	}
	r.records[rec.UserKey] = rec
	return nil
}
