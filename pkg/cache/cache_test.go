package cache

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/registry"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	cache *IndexCache
	clock *ManualClock
	store *flakyStore
	reg   *registry.MemoryRegistry
}

// newHarness builds a 4-dimensional cache whose timers only move through
// the manual clock. Both timers default to a day so tests call flushDue and
// evictIdle directly unless they opt into the background loops.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock: NewManualClock(epoch),
		store: &flakyStore{Store: blobstore.NewMemoryStore()},
		reg:   registry.NewMemoryRegistry(),
	}
	opts := Options{
		Index: hnsw.DefaultConfig(4),
		Tuning: Tuning{
			MaxBatchSize: 100,
			BatchDelay:   24 * time.Hour,
			CacheTTL:     30 * time.Minute,
		},
		EvictInterval: 24 * time.Hour,
		Store:         h.store,
		Registry:      h.reg,
		Logger:        zaptest.NewLogger(t),
		Metrics:       metrics.NewCollector(false),
		Clock:         h.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	h.cache = c
	return h
}

// flakyStore fails Put and Get while fail is set and counts successful puts.
type flakyStore struct {
	blobstore.Store
	fail atomic.Bool
	puts atomic.Int64
}

var errInjected = errors.New("injected storage failure")

func (s *flakyStore) Put(ctx context.Context, data []byte) (blobstore.Ref, error) {
	if s.fail.Load() {
		return "", errInjected
	}
	ref, err := s.Store.Put(ctx, data)
	if err == nil {
		s.puts.Add(1)
	}
	return ref, err
}

func (s *flakyStore) Get(ctx context.Context, ref blobstore.Ref) ([]byte, error) {
	if s.fail.Load() {
		return nil, errInjected
	}
	return s.Store.Get(ctx, ref)
}

func unit(i int) []float32 {
	v := make([]float32, 4)
	v[i%4] = 1
	return v
}

func (h *harness) stats(t *testing.T, user string) types.UserStats {
	t.Helper()
	us, ok := h.cache.UserStats(user)
	require.True(t, ok, "user %s not cached", user)
	return us
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{Index: hnsw.DefaultConfig(4)})
	require.Error(t, err)
}

func TestNewRejectsInvalidIndexConfig(t *testing.T) {
	cfg := hnsw.DefaultConfig(4)
	cfg.Space = "manhattan"
	_, err := New(Options{Index: cfg, Store: blobstore.NewMemoryStore()})
	require.Error(t, err)
}

func TestAddVectorVisibleBeforeFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 7, []float32{0, 0, 1, 0}, types.Metadata{"tag": "x"}))

	res, err := h.cache.Search(ctx, "alice", []float32{0, 0, 1, 0}, types.SearchOptions{K: 5})
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, res.IDs)
	assert.InDelta(t, 0, res.Distances[0], 1e-6)
	assert.InDelta(t, 1, res.Similarities[0], 1e-6)
	require.Len(t, res.Metadata, 1)
	assert.Equal(t, "x", res.Metadata[0]["tag"])

	us := h.stats(t, "alice")
	assert.Equal(t, 1, us.PendingVectors)
	assert.Equal(t, 0, us.CommittedVectors)
	assert.True(t, us.Dirty)
	assert.Equal(t, int64(0), h.store.puts.Load())
}

func TestAddVectorCopiesInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v := []float32{1, 0, 0, 0}
	meta := types.Metadata{"k": "before"}
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, v, meta))
	v[0], v[1] = 0, 1
	meta["k"] = "after"

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 1})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, res.IDs)
	assert.InDelta(t, 0, res.Distances[0], 1e-6)
	assert.Equal(t, "before", res.Metadata[0]["k"])
}

func TestAddVectorRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	tests := []struct {
		name   string
		vector []float32
		want   error
	}{
		{"too short", []float32{1, 0, 0}, ErrDimensionMismatch},
		{"too long", []float32{1, 0, 0, 0, 0}, ErrDimensionMismatch},
		{"empty", nil, ErrInvalidVector},
		{"nan", []float32{float32(math.NaN()), 0, 0, 0}, ErrInvalidVector},
		{"wrong length with nan", []float32{float32(math.NaN()), 0, 0}, ErrDimensionMismatch},
		{"wrong length with inf", []float32{float32(math.Inf(1)), 0, 0, 0, 0}, ErrDimensionMismatch},
		{"zero in cosine space", []float32{0, 0, 0, 0}, ErrInvalidVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.stats(t, "alice").PendingVectors
			err := h.cache.AddVector(ctx, "alice", 2, tt.vector, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, h.stats(t, "alice").PendingVectors)
		})
	}
}

func TestOverwriteSoleCommittedVector(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, nil))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{0, 1, 0, 0}, nil))
	res, err := h.cache.Search(ctx, "alice", []float32{0, 1, 0, 0}, types.SearchOptions{K: 3})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, res.IDs)
	assert.InDelta(t, 0, res.Distances[0], 1e-6)

	fr, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, fr.Flushed)

	res, err = h.cache.Search(ctx, "alice", []float32{0, 1, 0, 0}, types.SearchOptions{K: 3})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, res.IDs)
	assert.InDelta(t, 0, res.Distances[0], 1e-6)
	assert.Equal(t, 1, h.stats(t, "alice").CommittedVectors)
}

func TestCommittedVectorsFoundBySelfQuery(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Index = hnsw.DefaultConfig(16) })
	ctx := context.Background()

	r := rand.New(rand.NewSource(7))
	vecs := make([][]float32, 200)
	for i := range vecs {
		v := make([]float32, 16)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		vecs[i] = v
		require.NoError(t, h.cache.AddVector(ctx, "alice", uint64(i+1), v, nil))
	}
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)

	for i, v := range vecs {
		res, err := h.cache.Search(ctx, "alice", v, types.SearchOptions{K: 1})
		require.NoError(t, err)
		require.Len(t, res.IDs, 1)
		assert.Equal(t, uint64(i+1), res.IDs[0], "vector %d", i+1)
	}
}

func TestAddVectorCapacity(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Index.MaxElements = 2 })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, unit(1), nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, unit(2), nil), "replacing an id does not grow the index")

	err := h.cache.AddVector(ctx, "alice", 3, unit(3), nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	err = h.cache.AddVector(ctx, "alice", 3, unit(3), nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded, "committed vectors count toward capacity")
}

func TestDimensionFromFirstVector(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Index.Dimension = 0 })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 2}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "bob", 1, []float32{1, 2, 3}, nil))

	err := h.cache.AddVector(ctx, "alice", 2, []float32{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = h.cache.Search(ctx, "bob", []float32{1, 2}, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchEmptyUser(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.cache.Search(context.Background(), "bob", unit(0), types.SearchOptions{K: 3})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
	assert.Empty(t, res.Distances)
	assert.Empty(t, res.Similarities)
	assert.NotNil(t, res.IDs)
	assert.NotNil(t, res.Distances)
	assert.NotNil(t, res.Similarities)

	_, ok := h.cache.UserStats("bob")
	assert.False(t, ok, "search must not create an entry")
}

func TestSearchValidatesOptions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	_, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 0})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1, EfSearch: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.cache.Search(ctx, "alice", []float32{1, 0}, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = h.cache.Search(ctx, "alice", nil, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrInvalidVector)
	_, err = h.cache.Search(ctx, "alice", []float32{float32(math.NaN()), 0}, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = h.cache.Search(ctx, "alice", []float32{float32(math.NaN()), 0, 0, 0}, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrInvalidVector)
	_, err = h.cache.Search(ctx, "nobody", []float32{float32(math.NaN()), 0, 0, 0}, types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestSearchMergesCommittedAndPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{0, 1, 0, 0}, nil))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, h.cache.AddVector(ctx, "alice", 3, []float32{0.9, 0.1, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 4, []float32{0, 0, 1, 0}, nil))

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 4})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 2, 4}, res.IDs)
	for i := 1; i < len(res.Distances); i++ {
		assert.LessOrEqual(t, res.Distances[i-1], res.Distances[i])
	}
	assert.Nil(t, res.Metadata, "no hit carries metadata")

	us := h.stats(t, "alice")
	assert.Equal(t, 2, us.CommittedVectors, "search must not touch the committed index")
	assert.Equal(t, 2, us.PendingVectors)
}

func TestSearchKLargerThanIndex(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.cache.AddVector(ctx, "alice", uint64(i+1), unit(i), nil))
	}

	res, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 10})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 3)
}

func TestSearchTieBreakByID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 9, []float32{0, 1, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 4, []float32{0, 0, 1, 0}, nil))

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 9}, res.IDs)
}

func TestSearchFilter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, types.Metadata{"kind": "note", "year": 2023}))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{0.9, 0.1, 0, 0}, types.Metadata{"kind": "photo", "year": 2024}))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.cache.AddVector(ctx, "alice", 3, []float32{0.8, 0.2, 0, 0}, types.Metadata{"kind": "note", "year": 2024}))

	filter, err := types.CompileFilters([]types.Filter{{Field: "kind", Operator: "=", Value: "note"}})
	require.NoError(t, err)
	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 5, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, res.IDs)
	require.Len(t, res.Metadata, 2)
	assert.Equal(t, "note", res.Metadata[1]["kind"])

	filter, err = types.CompileFilters([]types.Filter{{Field: "year", Operator: ">=", Value: 2024}})
	require.NoError(t, err)
	res, err = h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 1, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.IDs)
}

func TestForceFlushIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	first, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, first.Flushed)
	assert.Equal(t, uint64(1), first.Version)
	assert.NotEmpty(t, first.Ref)
	assert.Equal(t, int64(1), h.store.puts.Load())

	second, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, second.Flushed)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, int64(1), h.store.puts.Load(), "a clean flush must not write")

	rec, err := h.reg.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Ref, rec.Ref)
	assert.Equal(t, uint64(1), rec.Version)

	us := h.stats(t, "alice")
	assert.False(t, us.Dirty)
	assert.Zero(t, us.PendingVectors)
	assert.Equal(t, 1, us.CommittedVectors)
	assert.True(t, us.PendingSince.IsZero())
}

func TestForceFlushUnknownUser(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.cache.ForceFlush(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestVersionIncrementsPerFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var refs []blobstore.Ref
	for i := 0; i < 3; i++ {
		require.NoError(t, h.cache.AddVector(ctx, "alice", uint64(i+1), unit(i), nil))
		res, err := h.cache.ForceFlush(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), res.Version)
		refs = append(refs, res.Ref)
	}
	assert.Len(t, refs, 3)
	assert.NotEqual(t, refs[0], refs[1])
	assert.Equal(t, 3, h.stats(t, "alice").CommittedVectors)
}

func TestSizeTriggeredFlush(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxBatchSize = 3 })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{0, 1, 0, 0}, nil))
	assert.Equal(t, 2, h.stats(t, "alice").PendingVectors)
	require.NoError(t, h.cache.AddVector(ctx, "alice", 3, []float32{0, 0, 1, 0}, nil))

	require.Eventually(t, func() bool {
		us := h.stats(t, "alice")
		return us.CommittedVectors == 3 && us.PendingVectors == 0
	}, 5*time.Second, 10*time.Millisecond)

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 1})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, res.IDs)
	assert.InDelta(t, 1, res.Similarities[0], 1e-5)
}

func TestSizeTriggerLosesNothing(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxBatchSize = 5 })
	ctx := context.Background()

	const n = 6
	for i := 0; i < n; i++ {
		v := []float32{1, float32(i), float32(i * i), 1}
		require.NoError(t, h.cache.AddVector(ctx, "alice", uint64(i+1), v, nil))
	}

	require.Eventually(t, func() bool {
		us := h.stats(t, "alice")
		return us.CommittedVectors+us.PendingVectors == n && us.CommittedVectors >= 5
	}, 5*time.Second, 10*time.Millisecond)

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 1}, types.SearchOptions{K: n})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4, 5, 6}, res.IDs)
}

func TestTimeTriggeredFlush(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BatchDelay = 5 * time.Second })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	assert.Zero(t, h.cache.flushDue(ctx), "batch job is not due yet")

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return !h.stats(t, "alice").Dirty
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), h.store.puts.Load())
	rec, err := h.reg.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestTickersExistWhenNewReturns(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.mu.Lock()
	n := len(h.clock.tickers)
	h.clock.mu.Unlock()
	assert.Equal(t, 2, n, "flush and eviction tickers")
}

func TestFlushDueOnlyPicksExpiredJobs(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BatchDelay = time.Hour })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "old", 1, unit(0), nil))
	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.cache.AddVector(ctx, "new", 1, unit(0), nil))
	h.clock.Advance(30 * time.Minute)

	// The scheduler ticker fired on the last Advance too; flushDue tolerates
	// running concurrently with it.
	h.cache.flushDue(ctx)
	require.Eventually(t, func() bool {
		return !h.stats(t, "old").Dirty
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, h.stats(t, "new").Dirty)
}

func TestStorageFailureKeepsPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, unit(1), nil))

	h.store.fail.Store(true)
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errInjected)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)

	us := h.stats(t, "alice")
	assert.True(t, us.Dirty)
	assert.Equal(t, 2, us.PendingVectors)
	assert.Zero(t, us.CommittedVectors)
	assert.Zero(t, us.Version)

	res, err := h.cache.Search(ctx, "alice", unit(1), types.SearchOptions{K: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.IDs, "pending data stays searchable")

	h.store.fail.Store(false)
	out, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Version)
	assert.False(t, h.stats(t, "alice").Dirty)
}

// conflictRegistry rejects every publish.
type conflictRegistry struct{ registry.Registry }

func (conflictRegistry) Publish(context.Context, registry.Record) error {
	return registry.ErrVersionConflict
}

func TestRegistryConflictKeepsPending(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = conflictRegistry{registry.NewMemoryRegistry()}
	})
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	_, err := h.cache.ForceFlush(ctx, "alice")
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, registry.ErrVersionConflict)
	assert.Equal(t, 1, h.stats(t, "alice").PendingVectors)
}

func TestRemoveVector(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.cache.RemoveVector(ctx, "nobody", 1)
	assert.ErrorIs(t, err, ErrIndexNotFound)

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{0.9, 0.1, 0, 0}, nil))
	_, err = h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.cache.AddVector(ctx, "alice", 3, []float32{0.8, 0.2, 0, 0}, nil))

	require.NoError(t, h.cache.RemoveVector(ctx, "alice", 1), "committed")
	require.NoError(t, h.cache.RemoveVector(ctx, "alice", 3), "pending")
	require.NoError(t, h.cache.RemoveVector(ctx, "alice", 42), "unknown ids are ignored")

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.IDs)

	us := h.stats(t, "alice")
	assert.True(t, us.Dirty, "a tombstone alone opens a batch job")
	assert.Zero(t, us.PendingVectors)
	assert.Equal(t, uint64(1), us.Tombstones)
	assert.False(t, us.PendingSince.IsZero())
}

func TestRemovalSurvivesReload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, types.Metadata{"n": 1}))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{0, 1, 0, 0}, types.Metadata{"n": 2}))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.cache.RemoveVector(ctx, "alice", 1))
	out, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Version)

	h.cache.ClearUserIndex("alice")
	_, ok := h.cache.UserStats("alice")
	require.False(t, ok)

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.IDs, "reloaded through the registry without the removed id")
	require.Len(t, res.Metadata, 1)
	assert.EqualValues(t, 2, res.Metadata[0]["n"])

	us := h.stats(t, "alice")
	assert.False(t, us.Dirty)
	assert.Equal(t, uint64(2), us.Version)

	// Re-adding a removed id clears its tombstone.
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{1, 0, 0, 0}, nil))
	res, err = h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.IDs)
	assert.Zero(t, h.stats(t, "alice").Tombstones)
}

func TestClearUserIndexDropsPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	h.cache.ClearUserIndex("alice")
	h.cache.ClearUserIndex("alice")

	res, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
	assert.Zero(t, h.store.puts.Load())
}

func TestLoadUserIndex(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	v1, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, unit(1), nil))

	err = h.cache.LoadUserIndex(ctx, "alice", v1.Ref)
	assert.ErrorIs(t, err, ErrPendingWrites)
	assert.Equal(t, 1, h.stats(t, "alice").PendingVectors, "dirty entry is left alone")

	_, err = h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.cache.LoadUserIndex(ctx, "alice", v1.Ref))

	us := h.stats(t, "alice")
	assert.Equal(t, uint64(1), us.Version)
	assert.Equal(t, 1, us.CommittedVectors)
	assert.Equal(t, string(v1.Ref), us.BlobRef)
}

func TestLoadUserIndexErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.cache.LoadUserIndex(ctx, "alice", blobstore.ContentRef([]byte("missing")))
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	ref, err := h.store.Put(ctx, []byte("not a snapshot"))
	require.NoError(t, err)
	err = h.cache.LoadUserIndex(ctx, "alice", ref)
	assert.ErrorIs(t, err, ErrSerialization)

	require.NoError(t, h.cache.AddVector(ctx, "bob", 1, unit(0), nil))
	bobs, err := h.cache.ForceFlush(ctx, "bob")
	require.NoError(t, err)
	err = h.cache.LoadUserIndex(ctx, "alice", bobs.Ref)
	assert.ErrorIs(t, err, ErrSerialization, "snapshots are bound to their user")
}

func TestLazyLoadStorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	h.cache.ClearUserIndex("alice")

	h.store.fail.Store(true)
	_, err = h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrStorage)

	h.store.fail.Store(false)
	res, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.IDs)
}

func TestConcurrentLazyLoadSharesOneRestore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))
	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	h.cache.ClearUserIndex("alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1})
			assert.NoError(t, err)
			assert.Equal(t, []uint64{1}, res.IDs)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.cache.GetCacheStats().TotalUsers)
}

func TestConcurrentWritersAndFlushes(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxBatchSize = 10 })
	ctx := context.Background()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := uint64(w*perWriter + i + 1)
				v := []float32{1, float32(w), float32(i), 1}
				assert.NoError(t, h.cache.AddVector(ctx, "alice", id, v, nil))
				if i%7 == 0 {
					_, err := h.cache.Search(ctx, "alice", v, types.SearchOptions{K: 3})
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()

	_, err := h.cache.ForceFlush(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		us := h.stats(t, "alice")
		return us.CommittedVectors == writers*perWriter && us.PendingVectors == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDestroy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, unit(0), nil))

	h.cache.Destroy()
	h.cache.Destroy()

	assert.ErrorIs(t, h.cache.AddVector(ctx, "alice", 2, unit(1), nil), ErrClosed)
	assert.ErrorIs(t, h.cache.RemoveVector(ctx, "alice", 1), ErrClosed)
	_, err := h.cache.Search(ctx, "alice", unit(0), types.SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.cache.ForceFlush(ctx, "alice")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.cache.LoadUserIndex(ctx, "alice", "x"), ErrClosed)

	assert.Zero(t, h.cache.GetCacheStats().TotalUsers)
	assert.Zero(t, h.store.puts.Load(), "destroy does not flush")
}

func TestInnerProductSpace(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Index.Space = vectortypes.InnerProduct })
	ctx := context.Background()

	require.NoError(t, h.cache.AddVector(ctx, "alice", 1, []float32{0, 1, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 2, []float32{1, 0, 0, 0}, nil))
	require.NoError(t, h.cache.AddVector(ctx, "alice", 3, []float32{0.6, 0.8, 0, 0}, nil))

	err := h.cache.AddVector(ctx, "alice", 4, []float32{2, 0, 0, 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidVector)
	assert.ErrorIs(t, err, vectortypes.ErrNotNormalized)
	err = h.cache.AddVector(ctx, "alice", 4, []float32{0, 0, 0, 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidVector)

	res, err := h.cache.Search(ctx, "alice", []float32{1, 0, 0, 0}, types.SearchOptions{K: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 1}, res.IDs)
	assert.InDelta(t, 0, res.Distances[0], 1e-6)
	assert.InDelta(t, 1, res.Similarities[0], 1e-6)
	for _, sim := range res.Similarities {
		assert.False(t, math.IsInf(float64(sim), 0))
		assert.Greater(t, sim, float32(0))
	}

	_, err = h.cache.Search(ctx, "alice", []float32{3, 0, 0, 0}, types.SearchOptions{K: 3})
	assert.ErrorIs(t, err, ErrInvalidVector)
}
