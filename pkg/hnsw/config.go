package hnsw

import (
	"errors"
	"fmt"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

const (
	// DefaultM is the default number of bidirectional links created for each element
	DefaultM = 16
	// DefaultEfConstruction is the default size of the dynamic candidate list for construction
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default size of the dynamic candidate list for search
	DefaultEfSearch = 50
	// DefaultMaxElements is the default capacity of a single index
	DefaultMaxElements = 10000
	// DefaultRandomSeed keeps graph construction reproducible
	DefaultRandomSeed = 42
)

// Config holds the configuration parameters for an HNSW index.
// It is persisted alongside the graph so a loaded index keeps its shape.
type Config struct {
	// Dimension is the fixed length of every vector in the index
	Dimension int `json:"dimension" msgpack:"dimension" mapstructure:"dimension"`
	// MaxElements bounds the number of committed plus pending vectors
	MaxElements int `json:"max_elements" msgpack:"max_elements" mapstructure:"max_elements"`
	// EfConstruction controls the quality/time trade-off during construction
	EfConstruction int `json:"ef_construction" msgpack:"ef_construction" mapstructure:"ef_construction"`
	// M defines the maximum number of connections per element in the graph
	M int `json:"m" msgpack:"m" mapstructure:"m"`
	// EfSearch controls the quality/time trade-off during search
	EfSearch int `json:"ef_search" msgpack:"ef_search" mapstructure:"ef_search"`
	// Space selects the distance metric
	Space vectortypes.SpaceType `json:"space" msgpack:"space" mapstructure:"space"`
	// RandomSeed seeds level assignment
	RandomSeed int64 `json:"random_seed" msgpack:"random_seed" mapstructure:"random_seed"`
}

// DefaultConfig returns a Config with default parameters for the given dimension.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		MaxElements:    DefaultMaxElements,
		EfConstruction: DefaultEfConstruction,
		M:              DefaultM,
		EfSearch:       DefaultEfSearch,
		Space:          vectortypes.Cosine,
		RandomSeed:     DefaultRandomSeed,
	}
}

// Validate checks that the parameters can build a graph.
func (c Config) Validate() error {
	var errs []error
	if c.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("dimension must be positive, got %d", c.Dimension))
	}
	if c.MaxElements <= 0 {
		errs = append(errs, fmt.Errorf("max elements must be positive, got %d", c.MaxElements))
	}
	if c.M < 2 {
		errs = append(errs, fmt.Errorf("m must be at least 2, got %d", c.M))
	}
	if c.EfConstruction <= 0 {
		errs = append(errs, fmt.Errorf("ef construction must be positive, got %d", c.EfConstruction))
	}
	if c.EfSearch <= 0 {
		errs = append(errs, fmt.Errorf("ef search must be positive, got %d", c.EfSearch))
	}
	if !c.Space.Valid() {
		errs = append(errs, fmt.Errorf("unsupported space %q", c.Space))
	}
	return errors.Join(errs...)
}
