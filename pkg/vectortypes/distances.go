package vectortypes

import (
	"math"
)

// CosineDistance calculates the cosine distance between vectors
// Lower value means more similar vectors (0 being identical)
func CosineDistance(a, b F32) float32 {
	if len(a) != len(b) {
		panic("vectors must have the same length")
	}

	var dotProduct, magnitudeA, magnitudeB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		magnitudeA += float64(a[i]) * float64(a[i])
		magnitudeB += float64(b[i]) * float64(b[i])
	}

	// Zero vectors have no direction; treat them as maximally distant.
	if magnitudeA == 0 || magnitudeB == 0 {
		return 1
	}

	similarity := dotProduct / (math.Sqrt(magnitudeA) * math.Sqrt(magnitudeB))
	// Clamp similarity to [-1, 1] to account for floating point errors
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}

	return float32(1.0 - similarity)
}

// EuclideanDistance calculates the Euclidean distance between vectors
func EuclideanDistance(a, b F32) float32 {
	if len(a) != len(b) {
		panic("vectors must have the same length")
	}

	var sum float64
	for i := 0; i < len(a); i++ {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}

	return float32(math.Sqrt(sum))
}

// InnerProductDistance calculates 1 - dot(a, b).
// For normalized vectors this ranges from 0 (identical) to 2 (opposite).
func InnerProductDistance(a, b F32) float32 {
	if len(a) != len(b) {
		panic("vectors must have the same length")
	}

	var dotProduct float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
	}

	return float32(1.0 - dotProduct)
}

// Clone creates a deep copy of a vector.
func Clone(v F32) F32 {
	if v == nil {
		return nil
	}
	clone := make(F32, len(v))
	copy(clone, v)
	return clone
}
