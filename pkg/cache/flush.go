package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/persistence"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/registry"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
)

// FlushResult describes a completed flush
type FlushResult struct {
	Ref     blobstore.Ref `json:"blob_ref"`
	Version uint64        `json:"version"`
	// Flushed is false when nothing was pending and the last snapshot was returned
	Flushed bool `json:"flushed"`
}

// ForceFlush synchronously merges and persists the user's pending state.
// With nothing pending it returns the latest snapshot without writing.
func (c *IndexCache) ForceFlush(ctx context.Context, user string) (FlushResult, error) {
	if c.closed.Load() {
		return FlushResult{}, ErrClosed
	}
	e, err := c.acquire(ctx, user, false, 0)
	if err != nil {
		return FlushResult{}, err
	}
	if e == nil {
		return FlushResult{}, fmt.Errorf("user %q: %w", user, ErrIndexNotFound)
	}
	return c.flush(ctx, e, metrics.TriggerForce)
}

// batchSnapshot is the state a flush works from, captured under the entry lock
type batchSnapshot struct {
	user        string
	cfg         hnsw.Config
	base        *hnsw.Index
	baseMeta    map[uint64]types.Metadata
	batch       []*types.VectorRecord
	tombstones  *roaring64.Bitmap
	tombSeq     uint64
	nextVersion uint64
	startedAt   time.Time
}

// flush persists e's pending state. Persistence I/O runs without the entry
// lock so writers and readers are never blocked behind storage. On failure
// the pending state is untouched and the next attempt redoes the batch.
func (c *IndexCache) flush(ctx context.Context, e *entry, trigger metrics.FlushTrigger) (FlushResult, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if e.detached || !e.dirtyLocked() {
		res := FlushResult{Ref: e.ref, Version: e.version}
		e.mu.Unlock()
		if res.Ref == "" {
			return res, fmt.Errorf("user %q has no persisted index: %w", e.user, ErrIndexNotFound)
		}
		return res, nil
	}
	snap := batchSnapshot{
		user:        e.user,
		cfg:         e.cfg,
		base:        e.committed,
		baseMeta:    e.meta,
		batch:       e.pendingSortedLocked(),
		tombstones:  e.tombstones.Clone(),
		tombSeq:     e.tombSeq,
		nextVersion: e.version + 1,
		startedAt:   c.clock.Now(),
	}
	e.mu.Unlock()

	job := uuid.NewString()
	began := time.Now()
	next, nextMeta, ref, size, err := c.persist(ctx, snap)
	elapsed := time.Since(began)
	c.metrics.RecordFlush(trigger, elapsed, size, err)
	if err != nil {
		c.log.Warn("flush failed, pending writes kept",
			zap.String("flush_id", job),
			zap.String("user", snap.user),
			zap.String("trigger", string(trigger)),
			zap.Int("batch", len(snap.batch)),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return FlushResult{}, err
	}

	e.mu.Lock()
	requeue := c.commitLocked(e, snap, next, nextMeta, ref)
	e.mu.Unlock()
	if requeue {
		c.requestFlush(snap.user)
	}

	c.log.Debug("flushed index",
		zap.String("flush_id", job),
		zap.String("user", snap.user),
		zap.String("trigger", string(trigger)),
		zap.Int("batch", len(snap.batch)),
		zap.Uint64("version", snap.nextVersion),
		zap.String("blob_ref", ref.String()),
		zap.Int("bytes", size),
		zap.Duration("duration", elapsed))
	return FlushResult{Ref: ref, Version: snap.nextVersion, Flushed: true}, nil
}

// persist builds the successor index, encodes it and writes it out.
func (c *IndexCache) persist(ctx context.Context, s batchSnapshot) (*hnsw.Index, map[uint64]types.Metadata, blobstore.Ref, int, error) {
	var (
		next *hnsw.Index
		err  error
	)
	if s.base == nil {
		next, err = hnsw.New(s.cfg)
	} else {
		next, err = s.base.Clone()
	}
	if err != nil {
		return nil, nil, "", 0, &SerializationError{Op: "clone", User: s.user, Err: err}
	}
	for _, rec := range s.batch {
		if err := next.Insert(rec.ID, rec.Vector); err != nil {
			return nil, nil, "", 0, &SerializationError{Op: "insert", User: s.user, Err: err}
		}
	}

	nextMeta := make(map[uint64]types.Metadata, len(s.baseMeta)+len(s.batch))
	for id, m := range s.baseMeta {
		nextMeta[id] = m
	}
	for _, rec := range s.batch {
		if rec.Metadata != nil {
			nextMeta[rec.ID] = rec.Metadata
		} else {
			delete(nextMeta, rec.ID)
		}
	}
	it := s.tombstones.Iterator()
	for it.HasNext() {
		delete(nextMeta, it.Next())
	}

	graph, err := next.MarshalBinary()
	if err != nil {
		return nil, nil, "", 0, &SerializationError{Op: "encode", User: s.user, Err: err}
	}
	data, err := c.opts.Codec.Encode(&persistence.Snapshot{
		UserKey:    s.user,
		Config:     s.cfg,
		Version:    s.nextVersion,
		Index:      graph,
		Tombstones: s.tombstones,
		Metadata:   nextMeta,
		CreatedAt:  s.startedAt,
	})
	if err != nil {
		return nil, nil, "", 0, &SerializationError{Op: "encode", User: s.user, Err: err}
	}

	ref, err := c.opts.Store.Put(ctx, data)
	if err != nil {
		return nil, nil, "", 0, &StorageError{Op: "put", User: s.user, Err: err}
	}
	if c.opts.Registry != nil {
		err := c.opts.Registry.Publish(ctx, registry.Record{
			UserKey:   s.user,
			Ref:       ref,
			Version:   s.nextVersion,
			UpdatedAt: s.startedAt,
		})
		if err != nil {
			return nil, nil, "", 0, &StorageError{Op: "publish", User: s.user, Err: err}
		}
	}
	return next, nextMeta, ref, len(data), nil
}

// commitLocked installs a successful flush. Only pending records that are
// the exact ones flushed are dropped, so writes that raced the flush stay
// queued. It reports whether the remaining backlog needs another
// size-triggered flush.
func (c *IndexCache) commitLocked(e *entry, s batchSnapshot, next *hnsw.Index, nextMeta map[uint64]types.Metadata, ref blobstore.Ref) bool {
	for _, rec := range s.batch {
		cur, ok := e.pending[rec.ID]
		switch {
		case ok && cur == rec:
			delete(e.pending, rec.ID)
		case !ok && !e.tombstones.Contains(rec.ID):
			// Removed while the flush ran: hide the copy that was just committed.
			e.tombstones.Add(rec.ID)
			e.tombSeq++
		}
	}

	e.committed = next
	e.meta = nextMeta
	e.version = s.nextVersion
	e.ref = ref
	e.flushedTombSeq = s.tombSeq
	e.flushRequested = false
	e.pendingSince = time.Time{}
	if e.dirtyLocked() {
		e.pendingSince = s.startedAt
	}

	if len(e.pending) >= c.tuningNow().MaxBatchSize {
		e.flushRequested = true
		return true
	}
	return false
}

// requestFlush hands user to the flush workers without blocking. When the
// queue is full the time trigger picks the user up instead.
func (c *IndexCache) requestFlush(user string) {
	select {
	case c.due <- user:
	default:
		c.log.Debug("flush queue full, deferring to scheduler tick", zap.String("user", user))
	}
}

// isBenign reports flush outcomes that need no logging in background paths
func isBenign(err error) bool {
	return errors.Is(err, ErrIndexNotFound) || errors.Is(err, context.Canceled)
}
