// Package tfidf fits and applies the TF-IDF weighting that turns
// per-window gram counts into feature vectors.
//
// Fitting assigns every distinct gram a stable index in first-seen
// order (windows in arrival order, grams in first-occurrence order
// within each window), so repeated fits over the same corpus produce
// identical vocabularies. The vocabulary is closed after fitting: grams
// unseen during training contribute nothing at transform time.
package tfidf

import (
	"errors"
	"fmt"
	"math"

	"argosd/internal/feature"
	"argosd/internal/ngram"
)

// ErrNoWindows is returned by Fit when the training corpus produced no
// windows. This is a configuration error: training cannot proceed.
var ErrNoWindows = errors.New("tfidf: fit requires at least one training window")

// Model is a trained vectorizer: the closed vocabulary in index order,
// per-gram document frequencies, and the training window count the IDF
// smoothing is based on.
type Model struct {
	GramSize   int
	Windows    int
	Vocabulary []ngram.Gram
	DocFreq    []int

	index map[ngram.Gram]int
}

// Fit builds a Model from the gram counts of all training windows.
func Fit(windows []ngram.Counts, gramSize int) (*Model, error) {
	if len(windows) == 0 {
		return nil, ErrNoWindows
	}

	m := &Model{
		GramSize: gramSize,
		Windows:  len(windows),
		index:    make(map[ngram.Gram]int),
	}

	for wi, c := range windows {
		if c.Total() > 0 && c.N() != gramSize {
			return nil, fmt.Errorf("tfidf: window %d extracted with gram size %d, fitting with %d", wi, c.N(), gramSize)
		}
		for _, g := range c.Distinct() {
			i, seen := m.index[g]
			if !seen {
				i = len(m.Vocabulary)
				m.index[g] = i
				m.Vocabulary = append(m.Vocabulary, g)
				m.DocFreq = append(m.DocFreq, 0)
			}
			m.DocFreq[i]++
		}
	}

	return m, nil
}

// Restore rebuilds a Model from persisted vocabulary state.
func Restore(gramSize, windows int, vocabulary []ngram.Gram, docFreq []int) (*Model, error) {
	if gramSize < 1 {
		return nil, fmt.Errorf("tfidf: invalid gram size %d", gramSize)
	}
	if windows < 1 {
		return nil, fmt.Errorf("tfidf: invalid training window count %d", windows)
	}
	if len(vocabulary) != len(docFreq) {
		return nil, fmt.Errorf("tfidf: vocabulary has %d grams but %d document frequencies", len(vocabulary), len(docFreq))
	}

	m := &Model{
		GramSize:   gramSize,
		Windows:    windows,
		Vocabulary: vocabulary,
		DocFreq:    docFreq,
		index:      make(map[ngram.Gram]int, len(vocabulary)),
	}
	for i, g := range vocabulary {
		if len(g) != 4*gramSize {
			return nil, fmt.Errorf("tfidf: vocabulary entry %d has length %d, want gram size %d", i, len(g)/4, gramSize)
		}
		if docFreq[i] < 1 || docFreq[i] > windows {
			return nil, fmt.Errorf("tfidf: document frequency %d for gram %d out of range [1,%d]", docFreq[i], i, windows)
		}
		if _, dup := m.index[g]; dup {
			return nil, fmt.Errorf("tfidf: duplicate vocabulary gram at index %d", i)
		}
		m.index[g] = i
	}

	return m, nil
}

// Dim returns the feature dimensionality (vocabulary size).
func (m *Model) Dim() int { return len(m.Vocabulary) }

// Index returns the vocabulary index of g and whether it is known.
func (m *Model) Index(g ngram.Gram) (int, bool) {
	i, ok := m.index[g]
	return i, ok
}

// idf is the smoothed inverse document frequency:
// ln((1+W)/(1+df)) + 1.
func (m *Model) idf(df int) float64 {
	return math.Log(float64(1+m.Windows)/float64(1+df)) + 1
}

// Transform converts one window's gram counts into the L2-normalized
// TF-IDF vector. Out-of-vocabulary grams are ignored; an empty window
// yields the zero vector.
func (m *Model) Transform(c ngram.Counts) (feature.Vector, error) {
	if c.Total() == 0 {
		return feature.Vector{}, nil
	}
	if c.N() != m.GramSize {
		return feature.Vector{}, fmt.Errorf("tfidf: counts extracted with gram size %d, model fitted with %d", c.N(), m.GramSize)
	}

	total := float64(c.Total())
	weights := make(map[int]float64)
	for _, g := range c.Distinct() {
		i, ok := m.index[g]
		if !ok {
			continue
		}
		tf := float64(c.Count(g)) / total
		weights[i] = tf * m.idf(m.DocFreq[i])
	}

	return feature.FromMap(weights).Normalized(), nil
}
