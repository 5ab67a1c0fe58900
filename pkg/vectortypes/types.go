// Package vectortypes provides the vector primitives shared by the index and
// the cache: distance spaces, distance functions and input validation.
package vectortypes

import (
	"fmt"
	"strings"
)

// F32 is a type alias for []float32 to make it more expressive
type F32 = []float32

// DistanceFunc is a function that computes the distance between two vectors.
// Lower values mean more similar vectors.
type DistanceFunc func(a, b F32) float32

// SpaceType identifies the distance metric of an index.
type SpaceType string

const (
	// Cosine distance: 1 - cos(a, b)
	Cosine SpaceType = "cosine"
	// L2 is the Euclidean distance
	L2 SpaceType = "l2"
	// InnerProduct distance: 1 - dot(a, b)
	InnerProduct SpaceType = "ip"
)

// ParseSpaceType converts a configuration string into a SpaceType.
// It accepts a few common aliases ("euclidean", "dot_product").
func ParseSpaceType(s string) (SpaceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "l2", "euclidean":
		return L2, nil
	case "ip", "inner_product", "dot_product":
		return InnerProduct, nil
	default:
		return "", fmt.Errorf("unknown space type %q", s)
	}
}

// String implements fmt.Stringer
func (s SpaceType) String() string {
	return string(s)
}

// Valid reports whether s is one of the supported spaces.
func (s SpaceType) Valid() bool {
	switch s {
	case Cosine, L2, InnerProduct:
		return true
	}
	return false
}

// DistanceFunc returns the distance function for the space.
func (s SpaceType) DistanceFunc() DistanceFunc {
	switch s {
	case L2:
		return EuclideanDistance
	case InnerProduct:
		return InnerProductDistance
	default:
		return CosineDistance
	}
}

// Similarity converts a distance in space s into a similarity score.
// Cosine distances map to 1 - d; every other space maps to 1 / (1 + d).
func (s SpaceType) Similarity(distance float32) float32 {
	if s == Cosine {
		return 1 - distance
	}
	return 1 / (1 + distance)
}
