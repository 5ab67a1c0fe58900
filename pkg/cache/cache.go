// Package cache implements the per-user write-behind vector index cache.
//
// Each user owns an entry holding a committed HNSW index, a map of pending
// (unflushed) vectors and tombstones. Writes land in memory and are merged
// into the committed index and persisted in batches: when a user's batch
// reaches MaxBatchSize, when its oldest pending write is older than
// BatchDelay, or on ForceFlush. Searches see committed and pending data
// alike. Idle clean entries are evicted after CacheTTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/registry"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

const numShards = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// IndexCache is the per-user index cache service. Construct it with New and
// release it with Destroy.
type IndexCache struct {
	opts    Options
	tuning  atomic.Pointer[Tuning]
	shards  [numShards]*shard
	loads   singleflight.Group
	due     chan string
	retune  chan struct{}
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Collector
	clock   Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an IndexCache and starts its scheduler, flush workers and
// evictor.
func New(opts Options) (*IndexCache, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid cache options: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &IndexCache{
		opts:    opts,
		due:     make(chan string, 1024),
		retune:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     opts.Logger.Named("cache"),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.FlushRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.FlushRate), opts.FlushWorkers)
	}
	t := opts.Tuning
	c.tuning.Store(&t)
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}

	c.start()
	c.log.Info("index cache started",
		zap.Int("dimension", opts.Index.Dimension),
		zap.Int("max_batch_size", t.MaxBatchSize),
		zap.Duration("batch_delay", t.BatchDelay),
		zap.Duration("cache_ttl", t.CacheTTL),
		zap.Int("flush_workers", opts.FlushWorkers))
	return c, nil
}

func (c *IndexCache) tuningNow() Tuning {
	return *c.tuning.Load()
}

// Tuning returns the parameters currently in effect
func (c *IndexCache) Tuning() Tuning {
	return c.tuningNow()
}

// UpdateTuning swaps batch size, batch delay and TTL at runtime. Zero fields
// keep their current value.
func (c *IndexCache) UpdateTuning(t Tuning) {
	next := t.withDefaults(c.tuningNow())
	c.tuning.Store(&next)
	select {
	case c.retune <- struct{}{}:
	default:
	}
	c.log.Info("tuning updated",
		zap.Int("max_batch_size", next.MaxBatchSize),
		zap.Duration("batch_delay", next.BatchDelay),
		zap.Duration("cache_ttl", next.CacheTTL))
}

func (c *IndexCache) shardFor(user string) *shard {
	return c.shards[xxhash.Sum64String(user)%numShards]
}

func (c *IndexCache) lookup(user string) *entry {
	s := c.shardFor(user)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[user]
}

// install adds e unless another entry for the user won the race, in which
// case the existing one is returned.
func (c *IndexCache) install(e *entry) *entry {
	s := c.shardFor(e.user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.user]; ok {
		return cur
	}
	s.entries[e.user] = e
	return e
}

func (c *IndexCache) forEachEntry(fn func(*entry)) {
	for _, s := range c.shards {
		s.mu.RLock()
		list := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			list = append(list, e)
		}
		s.mu.RUnlock()
		for _, e := range list {
			fn(e)
		}
	}
}

// acquire returns the user's entry, lazily loading the last persisted index
// through the registry. When nothing is persisted it creates an empty entry
// if create is set, and returns nil otherwise. dimHint sizes a new index
// when no default dimension is configured.
func (c *IndexCache) acquire(ctx context.Context, user string, create bool, dimHint int) (*entry, error) {
	if e := c.lookup(user); e != nil {
		return e, nil
	}

	v, err, _ := c.loads.Do(user, func() (interface{}, error) {
		if e := c.lookup(user); e != nil {
			return e, nil
		}
		e, err := c.loadFromRegistry(ctx, user)
		if err != nil || e == nil {
			return nil, err
		}
		return c.install(e), nil
	})
	if err != nil {
		return nil, err
	}
	if e, ok := v.(*entry); ok && e != nil {
		return e, nil
	}
	if !create {
		return nil, nil
	}

	cfg := c.opts.Index
	if cfg.Dimension == 0 {
		cfg.Dimension = dimHint
	}
	return c.install(newEntry(user, cfg, c.clock.Now())), nil
}

func (c *IndexCache) loadFromRegistry(ctx context.Context, user string) (*entry, error) {
	if c.opts.Registry == nil {
		return nil, nil
	}
	rec, err := c.opts.Registry.Lookup(ctx, user)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "lookup", User: user, Err: err}
	}
	e, err := c.restore(ctx, user, rec.Ref)
	if err != nil {
		return nil, err
	}
	c.log.Debug("loaded persisted index",
		zap.String("user", user),
		zap.String("blob_ref", rec.Ref.String()),
		zap.Uint64("version", e.version))
	return e, nil
}

// restore fetches and decodes a snapshot into a fresh, detached entry.
func (c *IndexCache) restore(ctx context.Context, user string, ref blobstore.Ref) (*entry, error) {
	data, err := c.opts.Store.Get(ctx, ref)
	if err != nil {
		return nil, &StorageError{Op: "get", User: user, Err: err}
	}
	snap, idx, err := c.opts.Codec.Restore(data)
	if err != nil {
		return nil, &SerializationError{Op: "decode", User: user, Err: err}
	}
	if snap.UserKey != user {
		return nil, &SerializationError{Op: "decode", User: user,
			Err: fmt.Errorf("snapshot %s belongs to user %q", ref, snap.UserKey)}
	}

	e := newEntry(user, snap.Config, c.clock.Now())
	e.committed = idx
	e.meta = snap.Metadata
	e.tombstones = snap.Tombstones
	e.version = snap.Version
	e.ref = ref
	return e, nil
}

// AddVector queues a vector for user. It becomes visible to Search
// immediately and is persisted by a later flush.
func (c *IndexCache) AddVector(ctx context.Context, user string, id uint64, vector []float32, metadata types.Metadata) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidVector, vectortypes.ErrEmptyVector)
	}
	rec := &types.VectorRecord{
		ID:       id,
		Vector:   vectortypes.Clone(vector),
		Metadata: types.CloneMetadata(metadata),
	}

	for {
		e, err := c.acquire(ctx, user, true, len(vector))
		if err != nil {
			return err
		}
		requested, retry, err := c.addToEntry(e, rec)
		if retry {
			continue
		}
		if err != nil {
			return err
		}
		if requested {
			c.requestFlush(user)
		}
		return nil
	}
}

// addToEntry stores rec in e.pending. It reports whether a size-triggered
// flush should be requested and whether e was detached and must be
// re-acquired.
func (c *IndexCache) addToEntry(e *entry, rec *types.VectorRecord) (requested, retry bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached {
		return false, true, nil
	}
	if len(rec.Vector) != e.cfg.Dimension {
		return false, false, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, e.cfg.Dimension, len(rec.Vector))
	}
	if err := vectortypes.CheckFinite(rec.Vector); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrInvalidVector, err)
	}
	if err := vectortypes.CheckSpace(rec.Vector, e.cfg.Space); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrInvalidVector, err)
	}
	if _, queued := e.pending[rec.ID]; !queued && !e.committedContainsLocked(rec.ID) &&
		e.committedLenLocked()+len(e.pending) >= e.cfg.MaxElements {
		return false, false, fmt.Errorf("%w: user %q holds %d vectors", ErrCapacityExceeded, e.user, e.cfg.MaxElements)
	}

	e.pending[rec.ID] = rec
	if e.tombstones.Contains(rec.ID) {
		e.tombstones.Remove(rec.ID)
		e.tombSeq++
	}
	now := c.clock.Now()
	e.lastModified = now
	e.syncJobLocked(now)

	if len(e.pending) >= c.tuningNow().MaxBatchSize && !e.flushRequested {
		e.flushRequested = true
		return true, false, nil
	}
	return false, false, nil
}

// RemoveVector deletes a vector. Pending vectors are dropped; committed ones
// are tombstoned and hidden from search. Unknown ids are ignored.
func (c *IndexCache) RemoveVector(ctx context.Context, user string, id uint64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	for {
		e, err := c.acquire(ctx, user, false, 0)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("user %q: %w", user, ErrIndexNotFound)
		}

		e.mu.Lock()
		if e.detached {
			e.mu.Unlock()
			continue
		}
		delete(e.pending, id)
		if e.committedContainsLocked(id) && !e.tombstones.Contains(id) {
			e.tombstones.Add(id)
			e.tombSeq++
		}
		now := c.clock.Now()
		e.lastModified = now
		e.syncJobLocked(now)
		e.mu.Unlock()

		c.log.Debug("removed vector", zap.String("user", user), zap.Uint64("vector_id", id))
		return nil
	}
}

// ClearUserIndex drops the user's in-memory state, pending writes included.
// Persisted snapshots are not touched.
func (c *IndexCache) ClearUserIndex(user string) {
	s := c.shardFor(user)
	s.mu.Lock()
	e := s.entries[user]
	delete(s.entries, user)
	s.mu.Unlock()
	c.loads.Forget(user)

	if e == nil {
		return
	}
	e.mu.Lock()
	e.detached = true
	dropped := len(e.pending)
	e.mu.Unlock()
	c.log.Info("cleared user index", zap.String("user", user), zap.Int("dropped_pending", dropped))
}

// LoadUserIndex replaces the user's entry with the snapshot stored at ref.
// It fails with ErrPendingWrites if the current entry has unflushed state.
func (c *IndexCache) LoadUserIndex(ctx context.Context, user string, ref blobstore.Ref) error {
	if c.closed.Load() {
		return ErrClosed
	}
	e, err := c.restore(ctx, user, ref)
	if err != nil {
		return err
	}

	s := c.shardFor(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.entries[user]; old != nil {
		old.mu.Lock()
		if old.dirtyLocked() {
			old.mu.Unlock()
			return fmt.Errorf("load %s for user %q: %w", ref, user, ErrPendingWrites)
		}
		old.detached = true
		old.mu.Unlock()
	}
	s.entries[user] = e
	c.log.Info("loaded user index",
		zap.String("user", user),
		zap.String("blob_ref", ref.String()),
		zap.Uint64("version", e.version))
	return nil
}

// Destroy stops every background task and clears all in-memory state. It
// does not flush: callers needing durability must ForceFlush first.
func (c *IndexCache) Destroy() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.wg.Wait()

	dropped := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for user, e := range s.entries {
			e.mu.Lock()
			e.detached = true
			dropped += len(e.pending)
			e.mu.Unlock()
			delete(s.entries, user)
		}
		s.mu.Unlock()
	}
	c.metrics.SetCacheSize(0, 0)
	c.log.Info("index cache destroyed", zap.Int("dropped_pending", dropped))
}
