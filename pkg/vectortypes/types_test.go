package vectortypes

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpaceType(t *testing.T) {
	tests := []struct {
		in      string
		want    SpaceType
		wantErr bool
	}{
		{in: "", want: Cosine},
		{in: "cosine", want: Cosine},
		{in: "COSINE", want: Cosine},
		{in: "l2", want: L2},
		{in: "euclidean", want: L2},
		{in: "ip", want: InnerProduct},
		{in: "dot_product", want: InnerProduct},
		{in: "manhattan", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpaceType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine.Similarity(0), 1e-6)
	assert.InDelta(t, 0.25, Cosine.Similarity(0.75), 1e-6)
	assert.InDelta(t, 1.0, L2.Similarity(0), 1e-6)
	assert.InDelta(t, 0.5, L2.Similarity(1), 1e-6)
	assert.InDelta(t, 0.5, InnerProduct.Similarity(1), 1e-6)
}

func TestSpaceDistanceFunc(t *testing.T) {
	a, b := F32{0, 0}, F32{3, 4}
	assert.InDelta(t, 5.0, L2.DistanceFunc()(a, b), 1e-6)
	assert.InDelta(t, 1.0, InnerProduct.DistanceFunc()(a, b), 1e-6)
	assert.InDelta(t, 0.0, Cosine.DistanceFunc()(b, b), 1e-6)
}

func TestCheckFinite(t *testing.T) {
	assert.NoError(t, CheckFinite(F32{0.1, -2, 3}))
	assert.ErrorIs(t, CheckFinite(nil), ErrEmptyVector)
	assert.ErrorIs(t, CheckFinite(F32{}), ErrEmptyVector)

	err := CheckFinite(F32{1, float32(math.NaN())})
	assert.True(t, errors.Is(err, ErrNonFinite))
	assert.Contains(t, err.Error(), "position 1")

	assert.ErrorIs(t, CheckFinite(F32{float32(math.Inf(-1))}), ErrNonFinite)
}

func TestCheckSpace(t *testing.T) {
	assert.ErrorIs(t, CheckSpace(F32{0, 0, 0}, Cosine), ErrZeroVector)
	assert.NoError(t, CheckSpace(F32{0, 0, 0}, L2))
	assert.NoError(t, CheckSpace(F32{0, 1, 0}, Cosine))

	assert.NoError(t, CheckSpace(F32{0.6, 0.8, 0}, InnerProduct))
	assert.ErrorIs(t, CheckSpace(F32{1, 1, 0}, InnerProduct), ErrNotNormalized)
	assert.ErrorIs(t, CheckSpace(F32{0, 0, 0}, InnerProduct), ErrNotNormalized)
}

func TestInnerProductSimilarityBoundedForUnitVectors(t *testing.T) {
	a, b := F32{0.6, 0.8}, F32{-0.6, -0.8}
	require.NoError(t, CheckSpace(a, InnerProduct))
	require.NoError(t, CheckSpace(b, InnerProduct))

	same := InnerProduct.Similarity(InnerProductDistance(a, a))
	opposite := InnerProduct.Similarity(InnerProductDistance(a, b))
	assert.InDelta(t, 1.0, same, 1e-6)
	assert.InDelta(t, 1.0/3, opposite, 1e-6)
}
