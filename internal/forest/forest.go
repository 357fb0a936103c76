// Package forest implements the isolation-forest ensemble that maps
// feature vectors to anomaly scores.
//
// Training grows tree_count randomized partitioning trees, each over a
// sample of the training vectors drawn without replacement (when fewer
// vectors exist than the sample size, every tree uses the whole set).
// All randomness flows from one explicit seed, so a training run is
// reproducible: the same vectors, options, and seed yield bit-identical
// trees and scores.
//
// Scores follow the standard normalization 2^(-E[h(x)]/c(n)): short
// average isolation paths push the score toward 1 (anomalous), paths
// near the expected depth of a random point push it toward 0.5 and
// below (normal).
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"argosd/internal/feature"
)

// Sentinel errors.
var (
	ErrNoVectors         = errors.New("forest: fit requires at least two training vectors")
	ErrDimensionMismatch = errors.New("forest: vector dimensionality does not match trained dimensionality")
)

// eulerGamma is the Euler-Mascheroni constant used by the harmonic
// approximation H(x) = ln(x) + gamma.
const eulerGamma = 0.5772156649

// Options control forest construction.
type Options struct {
	// Trees is the ensemble size.
	Trees int

	// SampleSize is the per-tree sample size. Trees sample without
	// replacement; a training set smaller than SampleSize is used
	// whole.
	SampleSize int

	// MaxDepth limits tree height. Zero selects
	// ceil(log2(effective sample size)).
	MaxDepth int

	// Dim is the feature dimensionality (vocabulary size). Vectors with
	// indices at or beyond Dim are rejected.
	Dim int

	// Seed feeds the pseudo-random source for sampling and splits.
	Seed int64
}

// Node is one flattened tree node. Internal nodes route on
// Values[Dim] < Split; leaves have Dim == -1 and record the training
// population that stopped there.
type Node struct {
	Dim   int     `json:"dim"`
	Split float64 `json:"split"`
	Left  int     `json:"left"`
	Right int     `json:"right"`
	Size  int     `json:"size"`
}

// Tree is one isolation tree, root at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a trained ensemble. Immutable after Fit; safe for
// concurrent Score calls.
type Forest struct {
	Trees      []Tree  `json:"trees"`
	SampleSize int     `json:"sample_size"`
	MaxDepth   int     `json:"max_depth"`
	Dim        int     `json:"dim"`
	Seed       int64   `json:"seed"`
	C          float64 `json:"normalization"`
}

// =============================================================================
// Training
// =============================================================================

// Fit trains a forest on the given vectors.
func Fit(vectors []feature.Vector, opts Options) (*Forest, error) {
	if len(vectors) < 2 {
		return nil, ErrNoVectors
	}
	if opts.Trees < 1 {
		return nil, fmt.Errorf("forest: tree count %d must be positive", opts.Trees)
	}
	if opts.SampleSize < 2 {
		return nil, fmt.Errorf("forest: sample size %d must be at least 2", opts.SampleSize)
	}
	if opts.Dim < 0 {
		return nil, fmt.Errorf("forest: negative dimensionality %d", opts.Dim)
	}
	for _, v := range vectors {
		if n := v.NNZ(); n > 0 && v.Indices[n-1] >= opts.Dim {
			return nil, fmt.Errorf("%w: training vector index %d >= %d", ErrDimensionMismatch, v.Indices[n-1], opts.Dim)
		}
	}

	effective := opts.SampleSize
	if len(vectors) < effective {
		effective = len(vectors)
	}
	maxDepth := opts.MaxDepth
	if maxDepth == 0 {
		maxDepth = int(math.Ceil(math.Log2(float64(effective))))
	}
	if maxDepth < 1 {
		maxDepth = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	f := &Forest{
		Trees:      make([]Tree, opts.Trees),
		SampleSize: effective,
		MaxDepth:   maxDepth,
		Dim:        opts.Dim,
		Seed:       opts.Seed,
		C:          avgPathLength(effective),
	}

	for t := range f.Trees {
		sample := vectors
		if len(vectors) > effective {
			perm := rng.Perm(len(vectors))
			sample = make([]feature.Vector, effective)
			for i := 0; i < effective; i++ {
				sample[i] = vectors[perm[i]]
			}
		}
		b := treeBuilder{rng: rng, maxDepth: maxDepth}
		b.build(sample, 0)
		f.Trees[t] = Tree{Nodes: b.nodes}
	}

	return f, nil
}

type treeBuilder struct {
	rng      *rand.Rand
	maxDepth int
	nodes    []Node
}

func (b *treeBuilder) build(subset []feature.Vector, depth int) int {
	if depth >= b.maxDepth || len(subset) <= 1 {
		return b.leaf(len(subset))
	}

	dims, ranges := candidateDims(subset)
	if len(dims) == 0 {
		// Every dimension is constant in this subset.
		return b.leaf(len(subset))
	}

	dim := dims[b.rng.Intn(len(dims))]
	r := ranges[dim]
	split := r.min + b.rng.Float64()*(r.max-r.min)

	var left, right []feature.Vector
	for _, v := range subset {
		if v.At(dim) < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{})
	l := b.build(left, depth+1)
	rt := b.build(right, depth+1)
	b.nodes[idx] = Node{Dim: dim, Split: split, Left: l, Right: rt}
	return idx
}

func (b *treeBuilder) leaf(size int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Dim: -1, Size: size})
	return idx
}

type dimRange struct {
	min, max float64
	seen     int
}

// candidateDims returns, in ascending order, the dimensions whose
// values are not constant across the subset, together with their
// observed ranges. Dimensions absent from a vector count as 0, so a
// dimension stored by only some subset members extends its range to
// include 0.
func candidateDims(subset []feature.Vector) ([]int, map[int]*dimRange) {
	ranges := make(map[int]*dimRange)
	for _, v := range subset {
		for j, idx := range v.Indices {
			val := v.Values[j]
			r, ok := ranges[idx]
			if !ok {
				ranges[idx] = &dimRange{min: val, max: val, seen: 1}
				continue
			}
			if val < r.min {
				r.min = val
			}
			if val > r.max {
				r.max = val
			}
			r.seen++
		}
	}

	var dims []int
	for idx, r := range ranges {
		if r.seen < len(subset) {
			if r.min > 0 {
				r.min = 0
			}
			if r.max < 0 {
				r.max = 0
			}
		}
		if r.max > r.min {
			dims = append(dims, idx)
		}
	}
	sort.Ints(dims)
	return dims, ranges
}

// =============================================================================
// Scoring
// =============================================================================

// Score maps a feature vector to an anomaly score in [0,1]. Vectors
// carrying indices beyond the trained dimensionality are rejected with
// ErrDimensionMismatch; absent dimensions read as 0, so the empty
// vector scores without error.
func (f *Forest) Score(v feature.Vector) (float64, error) {
	if n := v.NNZ(); n > 0 && v.Indices[n-1] >= f.Dim {
		return 0, fmt.Errorf("%w: index %d >= %d", ErrDimensionMismatch, v.Indices[n-1], f.Dim)
	}

	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(v)
	}
	avg := sum / float64(len(f.Trees))
	return math.Pow(2, -avg/f.C), nil
}

// pathLength walks the tree and returns the isolation path length for
// v, including the harmonic estimate for multi-point leaves.
func (t *Tree) pathLength(v feature.Vector) float64 {
	depth := 0
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Dim < 0 {
			if n.Size > 1 {
				return float64(depth) + avgPathLength(n.Size)
			}
			return float64(depth)
		}
		if v.At(n.Dim) < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree over n points:
// 2*H(n-1) - 2*(n-1)/n for n > 1, with H(x) = ln(x) + gamma.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	nf := float64(n)
	return 2*(math.Log(nf-1)+eulerGamma) - 2*(nf-1)/nf
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks structural integrity of a forest restored from a
// persisted artifact.
func (f *Forest) Validate() error {
	if len(f.Trees) == 0 {
		return errors.New("forest: no trees")
	}
	if f.SampleSize < 2 {
		return fmt.Errorf("forest: sample size %d out of range", f.SampleSize)
	}
	if f.MaxDepth < 1 {
		return fmt.Errorf("forest: max depth %d out of range", f.MaxDepth)
	}
	if f.Dim < 0 {
		return fmt.Errorf("forest: negative dimensionality %d", f.Dim)
	}
	if f.C <= 0 {
		return fmt.Errorf("forest: normalization constant %g out of range", f.C)
	}
	for ti := range f.Trees {
		nodes := f.Trees[ti].Nodes
		if len(nodes) == 0 {
			return fmt.Errorf("forest: tree %d is empty", ti)
		}
		for i, n := range nodes {
			if n.Dim < 0 {
				if n.Size < 0 {
					return fmt.Errorf("forest: tree %d node %d has negative size", ti, i)
				}
				continue
			}
			if n.Dim >= f.Dim {
				return fmt.Errorf("forest: tree %d node %d splits dimension %d >= %d", ti, i, n.Dim, f.Dim)
			}
			// Children always follow their parent in the arena, which
			// also rules out cycles.
			if n.Left <= i || n.Left >= len(nodes) || n.Right <= i || n.Right >= len(nodes) {
				return fmt.Errorf("forest: tree %d node %d has out-of-range children", ti, i)
			}
		}
	}
	return nil
}
