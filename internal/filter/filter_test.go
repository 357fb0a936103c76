package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		alpha float64
		size  int
		rank  int
		ok    bool
	}{
		{"defaults", 0.75, 5, 2, true},
		{"identity", 1, 1, 1, true},
		{"zero alpha", 0, 5, 2, false},
		{"alpha above one", 1.1, 5, 2, false},
		{"zero size", 0.75, 0, 2, false},
		{"zero rank", 0.75, 5, 0, false},
		{"rank beyond size", 0.75, 5, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.alpha, tt.size, tt.rank)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestFirstScorePassesThrough(t *testing.T) {
	f, err := New(0.75, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.42, f.Apply(0.42))
}

func TestEWMA(t *testing.T) {
	f, err := New(0.75, 100, 1)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, f.Apply(1.0), 1e-12)
	// 0.75*0 + 0.25*1
	assert.InDelta(t, 0.25, f.Apply(0.0), 1e-12)
	// 0.75*0 + 0.25*0.25
	assert.InDelta(t, 0.0625, f.Apply(0.0), 1e-12)
}

func TestRankSuppressesSpike(t *testing.T) {
	// alpha=1 disables the EWMA so the rank stage is observable alone.
	f, err := New(1, 3, 2)
	require.NoError(t, err)

	assert.Equal(t, 0.1, f.Apply(0.1))
	assert.Equal(t, 0.2, f.Apply(0.2))
	// 0.9 is the strict max of [0.1 0.2 0.9]: emit the 2nd largest.
	assert.Equal(t, 0.2, f.Apply(0.9))
	// 0.15 is not a new max of [0.2 0.9 0.15].
	assert.Equal(t, 0.15, f.Apply(0.15))
	// 0.95 tops [0.9 0.15 0.95]: 2nd largest is the earlier 0.9, so
	// sustained elevation shows through.
	assert.Equal(t, 0.9, f.Apply(0.95))
}

func TestSustainedPlateauPasses(t *testing.T) {
	f, err := New(1, 3, 2)
	require.NoError(t, err)

	f.Apply(0.9)
	f.Apply(0.9)
	// 0.9 is not a strict maximum of [0.9 0.9 0.9].
	assert.Equal(t, 0.9, f.Apply(0.9))
	assert.Equal(t, 0.9, f.Apply(0.9))
}

func TestDefaultParameters(t *testing.T) {
	f, err := New(0.75, 5, 2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0.5, f.Apply(0.5), 1e-12)
	}

	// EWMA of the spike: 0.75*0.9+0.25*0.5 = 0.8, which is the window
	// maximum; the 2nd largest of [.5 .5 .5 .5 .8] is 0.5.
	assert.InDelta(t, 0.5, f.Apply(0.9), 1e-12)

	// Second elevated window: EWMA 0.875, 2nd largest is now 0.8.
	assert.InDelta(t, 0.8, f.Apply(0.9), 1e-12)

	// Third: EWMA 0.89375, 2nd largest 0.875.
	assert.InDelta(t, 0.875, f.Apply(0.9), 1e-12)
}

func TestIdentityConfiguration(t *testing.T) {
	f, err := New(1, 1, 1)
	require.NoError(t, err)

	for _, s := range []float64{0.9, 0.1, 0.5, 0.5, 1.0, 0.0} {
		assert.Equal(t, s, f.Apply(s))
	}
}

func TestReset(t *testing.T) {
	f, err := New(0.75, 5, 2)
	require.NoError(t, err)

	f.Apply(1.0)
	f.Apply(1.0)
	f.Reset()

	// Post-reset the first score seeds the EWMA again.
	assert.Equal(t, 0.2, f.Apply(0.2))
	assert.InDelta(t, 0.75*0.4+0.25*0.2, f.Apply(0.4), 1e-12)
}
