package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/persistence"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/registry"
)

const (
	// DefaultMaxBatchSize is the pending count that triggers an immediate flush
	DefaultMaxBatchSize = 50
	// DefaultBatchDelay is how long a pending insert may wait before a timed flush
	DefaultBatchDelay = 5 * time.Second
	// DefaultCacheTTL is how long a clean entry may stay idle before eviction
	DefaultCacheTTL = 30 * time.Minute
	// DefaultEvictInterval is the evictor tick period
	DefaultEvictInterval = 5 * time.Minute
	// DefaultFlushWorkers bounds concurrent background flushes
	DefaultFlushWorkers = 4
)

// Tuning holds the parameters that may change while the cache runs
type Tuning struct {
	MaxBatchSize int
	BatchDelay   time.Duration
	CacheTTL     time.Duration
}

// Options configures an IndexCache
type Options struct {
	// Index is the geometry of newly created user indexes. A zero Dimension
	// lets the first inserted vector define it.
	Index hnsw.Config

	Tuning

	// EvictInterval is the evictor tick period
	EvictInterval time.Duration
	// FlushWorkers bounds concurrent background flushes
	FlushWorkers int
	// FlushRate limits background flushes per second across all users; 0 disables
	FlushRate float64

	// Store persists serialized snapshots. Required.
	Store blobstore.Store
	// Registry tracks each user's latest snapshot. Optional; without it
	// persisted indexes are only reachable through LoadUserIndex.
	Registry registry.Registry
	// Codec encodes snapshots; nil uses zstd
	Codec *persistence.Codec

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Clock   Clock
}

func (o *Options) setDefaults() {
	def := hnsw.DefaultConfig(o.Index.Dimension)
	if o.Index.MaxElements <= 0 {
		o.Index.MaxElements = def.MaxElements
	}
	if o.Index.EfConstruction <= 0 {
		o.Index.EfConstruction = def.EfConstruction
	}
	if o.Index.M <= 0 {
		o.Index.M = def.M
	}
	if o.Index.EfSearch <= 0 {
		o.Index.EfSearch = def.EfSearch
	}
	if o.Index.Space == "" {
		o.Index.Space = def.Space
	}
	if o.Index.RandomSeed == 0 {
		o.Index.RandomSeed = def.RandomSeed
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = DefaultEvictInterval
	}
	if o.FlushWorkers <= 0 {
		o.FlushWorkers = DefaultFlushWorkers
	}
	if o.Codec == nil {
		o.Codec = persistence.NewCodec(persistence.CompressionZstd)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
}

func (o *Options) validate() error {
	if o.Store == nil {
		return fmt.Errorf("blob store is required")
	}
	cfg := o.Index
	if cfg.Dimension == 0 {
		cfg.Dimension = 1
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("index config: %w", err)
	}
	if o.FlushRate < 0 {
		return fmt.Errorf("flush rate must not be negative, got %v", o.FlushRate)
	}
	return nil
}

func (t Tuning) withDefaults(cur Tuning) Tuning {
	if t.MaxBatchSize <= 0 {
		t.MaxBatchSize = cur.MaxBatchSize
	}
	if t.BatchDelay <= 0 {
		t.BatchDelay = cur.BatchDelay
	}
	if t.CacheTTL <= 0 {
		t.CacheTTL = cur.CacheTTL
	}
	return t
}
