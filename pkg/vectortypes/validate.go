package vectortypes

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyVector is returned for zero-length vectors
	ErrEmptyVector = errors.New("vector is empty")
	// ErrNonFinite is returned when a vector holds NaN or ±Inf
	ErrNonFinite = errors.New("vector contains non-finite values")
	// ErrZeroVector is returned for all-zero vectors in cosine space
	ErrZeroVector = errors.New("zero vector has no direction")
	// ErrNotNormalized is returned for non-unit vectors in inner product space
	ErrNotNormalized = errors.New("vector is not unit length")
)

// NormTolerance is how far from 1 an inner product space vector's norm may be.
const NormTolerance = 1e-3

// CheckFinite verifies that v is non-empty and every element is a finite number.
func CheckFinite(v F32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: position %d", ErrNonFinite, i)
		}
	}
	return nil
}

// CheckSpace applies space-specific constraints on top of CheckFinite.
// Cosine space rejects all-zero vectors. Inner product space only accepts
// unit vectors so 1 - dot stays within [0, 2].
func CheckSpace(v F32, space SpaceType) error {
	switch space {
	case Cosine:
		for _, x := range v {
			if x != 0 {
				return nil
			}
		}
		return ErrZeroVector
	case InnerProduct:
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if norm := math.Sqrt(sum); math.Abs(norm-1) > NormTolerance {
			return fmt.Errorf("%w: norm %.4f", ErrNotNormalized, norm)
		}
	}
	return nil
}
