// Package feature provides the sparse vector representation shared by
// the vectorizer and the anomaly scorer.
package feature

import (
	"math"
	"sort"
)

// Vector is a sparse feature vector stored as parallel arenas: strictly
// increasing vocabulary indices and their corresponding non-zero
// values. Absent indices read as 0. The zero Vector is the empty
// (all-zero) vector.
type Vector struct {
	Indices []int     `json:"indices"`
	Values  []float64 `json:"values"`
}

// FromMap builds a Vector from an index-to-value map, dropping zero
// values and ordering indices ascending.
func FromMap(m map[int]float64) Vector {
	indices := make([]int, 0, len(m))
	for i, v := range m {
		if v != 0 {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	values := make([]float64, len(indices))
	for j, i := range indices {
		values[j] = m[i]
	}
	return Vector{Indices: indices, Values: values}
}

// At returns the value at index i, 0 when absent.
func (v Vector) At(i int) float64 {
	j := sort.SearchInts(v.Indices, i)
	if j < len(v.Indices) && v.Indices[j] == i {
		return v.Values[j]
	}
	return 0
}

// NNZ returns the number of stored (non-zero) entries.
func (v Vector) NNZ() int { return len(v.Indices) }

// IsZero reports whether the vector has no non-zero entries.
func (v Vector) IsZero() bool { return len(v.Indices) == 0 }

// Norm returns the Euclidean norm.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v.Values {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Normalized returns the L2-normalized copy of v. The zero vector is
// returned unchanged.
func (v Vector) Normalized() Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	out := Vector{
		Indices: append([]int(nil), v.Indices...),
		Values:  make([]float64, len(v.Values)),
	}
	for i, x := range v.Values {
		out.Values[i] = x / n
	}
	return out
}
