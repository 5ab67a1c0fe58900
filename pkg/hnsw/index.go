// Package hnsw wraps the TFMV/hnsw graph with the bookkeeping the cache
// needs: fixed dimension, a tracked id set, reproducible construction,
// copy-on-write cloning and binary serialization.
package hnsw

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	hnswlib "github.com/TFMV/hnsw"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

// innerProductName is the name under which the inner product distance is
// registered with the graph library so exported graphs can be imported again.
const innerProductName = "inner_product"

func init() {
	hnswlib.RegisterDistanceFunc(innerProductName, vectortypes.InnerProductDistance)
}

var (
	// ErrDimensionMismatch is returned when a vector does not match the index dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmptyQuery is returned for zero-length queries
	ErrEmptyQuery = errors.New("query vector is empty")
)

// Neighbor is a single search hit
type Neighbor struct {
	ID       uint64
	Distance float32
}

// Index is an HNSW graph keyed by uint64 vector ids.
// All methods are safe for concurrent use.
type Index struct {
	cfg   Config
	mu    sync.Mutex
	graph *hnswlib.Graph[uint64]
	ids   *roaring64.Bitmap
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid index config: %w", err)
	}
	return &Index{
		cfg:   cfg,
		graph: newGraph(cfg),
		ids:   roaring64.New(),
	}, nil
}

func newGraph(cfg Config) *hnswlib.Graph[uint64] {
	g := hnswlib.NewGraph[uint64]()
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Rng = rand.New(rand.NewSource(cfg.RandomSeed))
	g.Distance = distanceFor(cfg.Space)
	return g
}

func distanceFor(space vectortypes.SpaceType) hnswlib.DistanceFunc {
	switch space {
	case vectortypes.L2:
		return hnswlib.EuclideanDistance
	case vectortypes.InnerProduct:
		return vectortypes.InnerProductDistance
	default:
		return hnswlib.CosineDistance
	}
}

// Config returns the parameters the index was built with
func (x *Index) Config() Config {
	return x.cfg
}

// Len returns the number of vectors in the index
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return int(x.ids.GetCardinality())
}

// Contains reports whether id is present
func (x *Index) Contains(id uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ids.Contains(id)
}

// IDs returns every id in ascending order
func (x *Index) IDs() []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ids.ToArray()
}

// Vector returns the stored vector for id
func (x *Index) Vector(id uint64) ([]float32, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ids.Contains(id) {
		return nil, false
	}
	v, ok := x.graph.Lookup(id)
	if !ok {
		return nil, false
	}
	return vectortypes.Clone(v), true
}

// Insert adds a vector under id. Re-inserting an existing id replaces it.
func (x *Index) Insert(id uint64, vector []float32) error {
	if len(vector) != x.cfg.Dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, x.cfg.Dimension, len(vector))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.ids.Contains(id) {
		// Graph.Add replaces existing keys under its own lock, which
		// re-enters Delete; remove the old node first instead.
		x.remove(id)
	}
	x.graph.EfSearch = x.cfg.EfConstruction
	defer func() { x.graph.EfSearch = x.cfg.EfSearch }()

	if err := x.graph.Add(hnswlib.MakeNode(id, vectortypes.Clone(vector))); err != nil {
		return fmt.Errorf("add vector %d: %w", id, err)
	}
	x.ids.Add(id)
	return nil
}

// Delete removes id from the graph. It reports whether id was present.
func (x *Index) Delete(id uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ids.Contains(id) {
		return false
	}
	x.remove(id)
	return true
}

// remove drops id from the graph and the id set. A graph whose last node
// was deleted keeps empty layers it cannot add to, so it is rebuilt.
func (x *Index) remove(id uint64) {
	x.graph.Delete(id)
	x.ids.Remove(id)
	if x.graph.Len() == 0 {
		rng := x.graph.Rng
		x.graph = newGraph(x.cfg)
		x.graph.Rng = rng
	}
}

// Search returns up to k neighbors of query ordered by ascending distance,
// ties broken by ascending id. ef <= 0 uses the configured EfSearch.
func (x *Index) Search(query []float32, k, ef int) ([]Neighbor, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}
	if len(query) != x.cfg.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, x.cfg.Dimension, len(query))
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = x.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.ids.IsEmpty() {
		return nil, nil
	}

	// The layer-0 walk stops once its k-sized result set stops improving,
	// so ask for ef candidates and trim afterwards.
	x.graph.EfSearch = ef
	nodes, err := x.graph.Search(query, ef)
	x.graph.EfSearch = x.cfg.EfSearch
	if err != nil {
		return nil, fmt.Errorf("graph search: %w", err)
	}

	dist := x.cfg.Space.DistanceFunc()
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		if x.ids.Contains(n.Key) {
			out = append(out, Neighbor{ID: n.Key, Distance: dist(query, n.Value)})
		}
	}
	if len(out) < min(k, int(x.ids.GetCardinality())) {
		// Deletes can leave the graph disconnected.
		out = x.scan(query, dist)
	}
	SortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// scan scores every stored vector. Callers hold x.mu.
func (x *Index) scan(query []float32, dist vectortypes.DistanceFunc) []Neighbor {
	out := make([]Neighbor, 0, x.ids.GetCardinality())
	it := x.ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		v, ok := x.graph.Lookup(id)
		if !ok {
			continue
		}
		out = append(out, Neighbor{ID: id, Distance: dist(query, v)})
	}
	return out
}

// SortNeighbors orders hits by ascending distance, then ascending id.
func SortNeighbors(ns []Neighbor) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}

// Clone returns an independent deep copy of the index.
func (x *Index) Clone() (*Index, error) {
	data, err := x.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Load(x.cfg, data)
}

// Item is a vector queued for insertion
type Item struct {
	ID     uint64
	Vector []float32
}

// CloneWith returns a deep copy of the index with items inserted. The
// receiver is left untouched.
func (x *Index) CloneWith(items []Item) (*Index, error) {
	dup, err := x.Clone()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := dup.Insert(it.ID, it.Vector); err != nil {
			return nil, err
		}
	}
	return dup, nil
}

type wireIndex struct {
	IDs   []byte `msgpack:"ids"`
	Graph []byte `msgpack:"graph"`
}

// MarshalBinary serializes the graph and its id set.
func (x *Index) MarshalBinary() ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.ids.IsEmpty() {
		return nil, nil
	}

	ids, err := x.ids.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("encode id set: %w", err)
	}

	var buf bytes.Buffer
	if err := x.graph.Export(&buf); err != nil {
		return nil, fmt.Errorf("export graph: %w", err)
	}

	return msgpack.Marshal(wireIndex{IDs: ids, Graph: buf.Bytes()})
}

// Load rebuilds an index from MarshalBinary output. Empty data yields an
// empty index.
func Load(cfg Config, data []byte) (*Index, error) {
	x, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return x, nil
	}

	var w wireIndex
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if err := x.ids.UnmarshalBinary(w.IDs); err != nil {
		return nil, fmt.Errorf("decode id set: %w", err)
	}
	if err := x.graph.Import(bytes.NewReader(w.Graph)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	// Import restores graph parameters; keep the seeded generator and ef.
	x.graph.Rng = rand.New(rand.NewSource(cfg.RandomSeed + int64(x.ids.GetCardinality())))
	x.graph.EfSearch = cfg.EfSearch
	if got := x.graph.Len(); got != int(x.ids.GetCardinality()) {
		return nil, fmt.Errorf("index holds %d nodes but %d ids", got, x.ids.GetCardinality())
	}
	return x, nil
}
