package ngram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		seq       []uint32
		n         int
		wantTotal int
		wantOrder []Gram
		wantCount map[string]int
	}{
		{
			name:      "reference sequence",
			seq:       []uint32{2, 3, 4, 2, 3},
			n:         3,
			wantTotal: 3,
			wantOrder: []Gram{Pack([]uint32{2, 3, 4}), Pack([]uint32{3, 4, 2}), Pack([]uint32{4, 2, 3})},
			wantCount: map[string]int{"(2 3 4)": 1, "(3 4 2)": 1, "(4 2 3)": 1},
		},
		{
			name:      "repeating pair",
			seq:       []uint32{5, 6, 5, 6, 5},
			n:         3,
			wantTotal: 3,
			wantOrder: []Gram{Pack([]uint32{5, 6, 5}), Pack([]uint32{6, 5, 6})},
			wantCount: map[string]int{"(5 6 5)": 2, "(6 5 6)": 1},
		},
		{
			name:      "sequence shorter than n",
			seq:       []uint32{1, 2},
			n:         3,
			wantTotal: 0,
		},
		{
			name:      "empty sequence",
			seq:       nil,
			n:         3,
			wantTotal: 0,
		},
		{
			name:      "unigrams",
			seq:       []uint32{7, 7, 8},
			n:         1,
			wantTotal: 3,
			wantOrder: []Gram{Pack([]uint32{7}), Pack([]uint32{8})},
			wantCount: map[string]int{"(7)": 2, "(8)": 1},
		},
		{
			name:      "n equals length",
			seq:       []uint32{1, 2, 3},
			n:         3,
			wantTotal: 1,
			wantOrder: []Gram{Pack([]uint32{1, 2, 3})},
			wantCount: map[string]int{"(1 2 3)": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Extract(tt.seq, tt.n)
			assert.Equal(t, tt.wantTotal, c.Total())
			if tt.wantTotal == 0 {
				assert.Empty(t, c.Distinct())
				return
			}
			require.Equal(t, tt.wantOrder, c.Distinct())
			for _, g := range c.Distinct() {
				assert.Equal(t, tt.wantCount[g.String()], c.Count(g), "count for %s", g)
			}
		})
	}
}

func TestExtractOccurrenceInvariant(t *testing.T) {
	// Counts must sum to L-n+1 for every L >= n.
	seq := []uint32{1, 1, 2, 3, 1, 1, 2, 9, 9, 1}
	for n := 1; n <= len(seq); n++ {
		c := Extract(seq, n)
		require.Equal(t, len(seq)-n+1, c.Total(), "n=%d", n)
		sum := 0
		for _, g := range c.Distinct() {
			sum += c.Count(g)
		}
		assert.Equal(t, c.Total(), sum, "n=%d", n)
	}
}

func TestExtractIsPure(t *testing.T) {
	seq := []uint32{4, 5, 6, 4, 5, 6}
	a := Extract(seq, 3)
	b := Extract(seq, 3)
	require.Equal(t, a.Total(), b.Total())
	require.Equal(t, a.Distinct(), b.Distinct())
	for _, g := range a.Distinct() {
		assert.Equal(t, a.Count(g), b.Count(g))
	}
}

func TestGramRoundTrip(t *testing.T) {
	ids := []uint32{0, 59, 4294967295}
	g := Pack(ids)
	assert.Equal(t, ids, g.Syscalls())
	assert.Equal(t, "(0 59 4294967295)", g.String())
}

func TestGramEquality(t *testing.T) {
	a := Pack([]uint32{2, 3, 4})
	b := Pack([]uint32{2, 3, 4})
	c := Pack([]uint32{4, 3, 2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[Gram]int{a: 1}
	m[b]++
	assert.Equal(t, 2, m[a])
}
