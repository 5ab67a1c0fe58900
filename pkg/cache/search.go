package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

// Search returns the opts.K nearest vectors to query across the user's
// committed and pending data. A user with no data yields an empty result.
func (c *IndexCache) Search(ctx context.Context, user string, query []float32, opts types.SearchOptions) (types.SearchResult, error) {
	if c.closed.Load() {
		return types.SearchResult{}, ErrClosed
	}
	if opts.K <= 0 {
		return types.SearchResult{}, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidOptions, opts.K)
	}
	if opts.EfSearch < 0 {
		return types.SearchResult{}, fmt.Errorf("%w: ef search must not be negative, got %d", ErrInvalidOptions, opts.EfSearch)
	}
	if len(query) == 0 {
		return types.SearchResult{}, fmt.Errorf("%w: %w", ErrInvalidVector, vectortypes.ErrEmptyVector)
	}

	began := time.Now()
	e, err := c.acquire(ctx, user, false, 0)
	if err != nil {
		return types.SearchResult{}, err
	}
	if e == nil {
		if err := vectortypes.CheckFinite(query); err != nil {
			return types.SearchResult{}, fmt.Errorf("%w: %w", ErrInvalidVector, err)
		}
		c.metrics.RecordSearch(metrics.PathEmpty, time.Since(began))
		return types.EmptySearchResult(), nil
	}

	view := e.snapshotForSearch(c.clock.Now())
	if len(query) != view.cfg.Dimension {
		return types.SearchResult{}, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, view.cfg.Dimension, len(query))
	}
	if err := vectortypes.CheckFinite(query); err != nil {
		return types.SearchResult{}, fmt.Errorf("%w: %w", ErrInvalidVector, err)
	}
	if err := vectortypes.CheckSpace(query, view.cfg.Space); err != nil {
		return types.SearchResult{}, fmt.Errorf("%w: %w", ErrInvalidVector, err)
	}

	res, path, err := runSearch(view, query, opts)
	if err != nil {
		return types.SearchResult{}, &SerializationError{Op: "snapshot", User: user, Err: err}
	}
	c.metrics.RecordSearch(path, time.Since(began))
	return res, nil
}

// runSearch answers a query against one captured view. With pending
// vectors the committed index is cloned and augmented; the clone is
// discarded afterwards. Pending vectors are also scored exactly so a
// queued vector can never be missed by the approximate search.
func runSearch(v searchView, query []float32, opts types.SearchOptions) (types.SearchResult, metrics.SearchPath, error) {
	if v.committed == nil && len(v.pending) == 0 {
		return types.EmptySearchResult(), metrics.PathEmpty, nil
	}

	idx := v.committed
	path := metrics.PathCommitted
	if len(v.pending) > 0 {
		items := make([]hnsw.Item, len(v.pending))
		for i, rec := range v.pending {
			items[i] = hnsw.Item{ID: rec.ID, Vector: rec.Vector}
		}
		var err error
		if idx == nil {
			if idx, err = hnsw.New(v.cfg); err == nil {
				idx, err = idx.CloneWith(items)
			}
		} else {
			idx, err = idx.CloneWith(items)
		}
		if err != nil {
			return types.SearchResult{}, path, err
		}
		path = metrics.PathSnapshot
	}

	fetch := opts.K
	if opts.Filter != nil {
		fetch *= 2
	}
	fetch += int(v.tombstones.GetCardinality())
	if total := idx.Len(); fetch > total {
		fetch = total
	}
	ef := opts.EfSearch
	if ef <= 0 {
		ef = v.cfg.EfSearch
	}

	hits, err := idx.Search(query, fetch, ef)
	if err != nil {
		return types.SearchResult{}, path, err
	}

	pendingByID := make(map[uint64]*types.VectorRecord, len(v.pending))
	for _, rec := range v.pending {
		pendingByID[rec.ID] = rec
	}
	metaFor := func(id uint64) types.Metadata {
		if rec, ok := pendingByID[id]; ok {
			return rec.Metadata
		}
		return v.meta[id]
	}

	dist := v.cfg.Space.DistanceFunc()
	candidates := make([]hnsw.Neighbor, 0, len(hits)+len(v.pending))
	seen := make(map[uint64]struct{}, cap(candidates))
	for _, h := range hits {
		seen[h.ID] = struct{}{}
		candidates = append(candidates, h)
	}
	for _, rec := range v.pending {
		if _, ok := seen[rec.ID]; !ok {
			candidates = append(candidates, hnsw.Neighbor{ID: rec.ID, Distance: dist(query, rec.Vector)})
		}
	}
	hnsw.SortNeighbors(candidates)

	res := types.EmptySearchResult()
	var metas []types.Metadata
	withMeta := false
	for _, n := range candidates {
		if len(res.IDs) == opts.K {
			break
		}
		if v.tombstones.Contains(n.ID) {
			continue
		}
		m := metaFor(n.ID)
		if opts.Filter != nil && !opts.Filter(m) {
			continue
		}
		res.IDs = append(res.IDs, n.ID)
		res.Distances = append(res.Distances, n.Distance)
		res.Similarities = append(res.Similarities, v.cfg.Space.Similarity(n.Distance))
		metas = append(metas, m)
		withMeta = withMeta || m != nil
	}
	if withMeta {
		res.Metadata = metas
	}
	return res, path, nil
}
