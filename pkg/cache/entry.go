package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
)

// entry is the live cache state of one user.
//
// committed and meta are never mutated in place: a flush builds successors
// outside mu and swaps them in, so readers holding the old values keep a
// consistent view. pending records are immutable; the map is not.
type entry struct {
	user string

	// flushMu serializes flushes of this user; it is taken before mu.
	flushMu sync.Mutex
	mu      sync.Mutex

	cfg       hnsw.Config
	committed *hnsw.Index
	meta      map[uint64]types.Metadata

	pending map[uint64]*types.VectorRecord

	// tombstones hides committed ids from search. tombSeq counts changes;
	// flushedTombSeq is the tombSeq captured by the last successful flush.
	tombstones     *roaring64.Bitmap
	tombSeq        uint64
	flushedTombSeq uint64

	version      uint64
	ref          blobstore.Ref
	lastModified time.Time
	// pendingSince is when the current batch job started; zero when clean
	pendingSince time.Time

	flushRequested bool
	// detached entries have been removed from the cache map
	detached bool
}

func newEntry(user string, cfg hnsw.Config, now time.Time) *entry {
	return &entry{
		user:         user,
		cfg:          cfg,
		meta:         make(map[uint64]types.Metadata),
		pending:      make(map[uint64]*types.VectorRecord),
		tombstones:   roaring64.New(),
		lastModified: now,
	}
}

// dirtyLocked reports whether the entry holds unflushed state: pending
// vectors or tombstone changes. A batch job exists exactly when it is dirty.
func (e *entry) dirtyLocked() bool {
	return len(e.pending) > 0 || e.tombSeq != e.flushedTombSeq
}

// syncJobLocked opens or closes the batch job to match the dirty state.
func (e *entry) syncJobLocked(now time.Time) {
	switch dirty := e.dirtyLocked(); {
	case dirty && e.pendingSince.IsZero():
		e.pendingSince = now
	case !dirty:
		e.pendingSince = time.Time{}
		e.flushRequested = false
	}
}

func (e *entry) committedLenLocked() int {
	if e.committed == nil {
		return 0
	}
	return e.committed.Len()
}

func (e *entry) committedContainsLocked(id uint64) bool {
	return e.committed != nil && e.committed.Contains(id)
}

// pendingSortedLocked returns pending records ordered by id so flushes and
// search clones build identical graphs for identical input.
func (e *entry) pendingSortedLocked() []*types.VectorRecord {
	out := make([]*types.VectorRecord, 0, len(e.pending))
	for _, rec := range e.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// searchView is an immutable view of an entry taken for one query
type searchView struct {
	cfg        hnsw.Config
	committed  *hnsw.Index
	meta       map[uint64]types.Metadata
	pending    []*types.VectorRecord
	tombstones *roaring64.Bitmap
}

// snapshotForSearch captures what a query needs under the entry lock so the
// expensive clone-and-insert work can run without it.
func (e *entry) snapshotForSearch(now time.Time) searchView {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastModified = now
	return searchView{
		cfg:        e.cfg,
		committed:  e.committed,
		meta:       e.meta,
		pending:    e.pendingSortedLocked(),
		tombstones: e.tombstones.Clone(),
	}
}

func (e *entry) stats() types.UserStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.UserStats{
		UserKey:          e.user,
		PendingVectors:   len(e.pending),
		CommittedVectors: e.committedLenLocked(),
		Tombstones:       e.tombstones.GetCardinality(),
		Dirty:            e.dirtyLocked(),
		Version:          e.version,
		BlobRef:          string(e.ref),
		LastModified:     e.lastModified,
		PendingSince:     e.pendingSince,
	}
}
