package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapOrdersIndices(t *testing.T) {
	v := FromMap(map[int]float64{9: 0.5, 1: 0.25, 4: 0.75})
	require.Equal(t, []int{1, 4, 9}, v.Indices)
	require.Equal(t, []float64{0.25, 0.75, 0.5}, v.Values)
}

func TestFromMapDropsZeros(t *testing.T) {
	v := FromMap(map[int]float64{0: 0, 3: 1, 7: 0})
	assert.Equal(t, []int{3}, v.Indices)
	assert.Equal(t, 1, v.NNZ())
}

func TestAt(t *testing.T) {
	v := FromMap(map[int]float64{2: 0.5, 10: 1.5})
	assert.Equal(t, 0.5, v.At(2))
	assert.Equal(t, 1.5, v.At(10))
	assert.Equal(t, 0.0, v.At(0))
	assert.Equal(t, 0.0, v.At(5))
	assert.Equal(t, 0.0, v.At(999))
}

func TestNorm(t *testing.T) {
	v := FromMap(map[int]float64{0: 3, 1: 4})
	assert.InDelta(t, 5.0, v.Norm(), 1e-12)

	var zero Vector
	assert.Equal(t, 0.0, zero.Norm())
	assert.True(t, zero.IsZero())
}

func TestNormalized(t *testing.T) {
	v := FromMap(map[int]float64{0: 3, 1: 4})
	n := v.Normalized()
	assert.InDelta(t, 1.0, n.Norm(), 1e-12)
	assert.InDelta(t, 0.6, n.At(0), 1e-12)
	assert.InDelta(t, 0.8, n.At(1), 1e-12)

	// Original vector untouched.
	assert.Equal(t, 3.0, v.At(0))

	// Zero vector stays zero, no NaN.
	var zero Vector
	z := zero.Normalized()
	assert.True(t, z.IsZero())
	assert.False(t, math.IsNaN(z.Norm()))
}
