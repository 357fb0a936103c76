// Package filter smooths the raw anomaly score stream before
// thresholding.
//
// Two stages run in order. An EWMA damps single-window noise:
// filtered = alpha*score + (1-alpha)*previous, seeded with the first
// raw score. A rank filter then suppresses lone spikes: over the last
// size filtered values, a value that is the strict maximum of its
// window is replaced by the rank-th largest before emission. Sustained
// elevation survives because after one suppressed window the high value
// is no longer a strict maximum.
//
// The configuration (alpha=1, size=1, rank=1) makes the filter an
// identity.
package filter

import (
	"fmt"
	"math"
	"sort"
)

// Filter carries the smoothing state across windows. Not safe for
// concurrent use; the pipeline applies it from a single goroutine.
type Filter struct {
	alpha float64
	size  int
	rank  int

	history []float64
	last    float64
	primed  bool
}

// New builds a Filter. alpha must be in (0,1], size >= 1 and
// 1 <= rank <= size.
func New(alpha float64, size, rank int) (*Filter, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("filter: alpha %g outside (0,1]", alpha)
	}
	if size < 1 {
		return nil, fmt.Errorf("filter: history size %d must be positive", size)
	}
	if rank < 1 || rank > size {
		return nil, fmt.Errorf("filter: rank %d outside [1,%d]", rank, size)
	}
	return &Filter{alpha: alpha, size: size, rank: rank}, nil
}

// Apply feeds one raw score through both stages and returns the
// filtered score.
func (f *Filter) Apply(score float64) float64 {
	var filtered float64
	if !f.primed {
		filtered = score
		f.primed = true
	} else {
		filtered = f.alpha*score + (1-f.alpha)*f.last
	}
	f.last = filtered

	// The history keeps the unclipped EWMA values; only the emitted
	// value is substituted.
	f.history = append(f.history, filtered)
	out := filtered
	if len(f.history) == f.size {
		if filtered > maxOf(f.history[:len(f.history)-1]) {
			ranked := append([]float64(nil), f.history...)
			sort.Float64s(ranked)
			out = ranked[len(ranked)-f.rank]
		}
		f.history = f.history[1:]
	}
	return out
}

// Reset clears all smoothing state, as after a pipeline restart.
func (f *Filter) Reset() {
	f.history = f.history[:0]
	f.last = 0
	f.primed = false
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
