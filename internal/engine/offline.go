package engine

import (
	"errors"
	"fmt"
	"time"

	"argosd/internal/alert"
	"argosd/internal/capture"
	"argosd/internal/config"
	"argosd/internal/feed"
	"argosd/internal/filter"
	"argosd/internal/model"
	"argosd/internal/ngram"
	"argosd/internal/window"
)

// ScoreOptions configures an offline scoring pass.
type ScoreOptions struct {
	// Artifacts score the windows; gram size and window duration come
	// from the manifest.
	Artifacts *model.Artifacts

	// Events is the finite stream to score, in timestamp order.
	Events []capture.Event

	// Filter parameters. The zero value selects the live defaults.
	Filter config.FilterConfig

	// Threshold for alert evaluation, in [0, 1].
	Threshold float64

	// Node stamps emitted records. Empty uses the manifest node.
	Node string
}

// ScoreEvents replays a finite event stream through the same
// windowing, vectorization, scoring, filtering, and evaluation the
// live pipeline applies, returning one record per window in order.
func ScoreEvents(opts ScoreOptions) ([]feed.Record, error) {
	arts := opts.Artifacts
	if arts == nil {
		return nil, errors.New("engine: scoring requires artifacts")
	}

	dur := time.Duration(arts.Manifest.WindowMs) * time.Millisecond
	if dur <= 0 {
		return nil, fmt.Errorf("engine: manifest window duration %dms invalid", arts.Manifest.WindowMs)
	}

	fc := opts.Filter
	if fc == (config.FilterConfig{}) {
		fc = config.DefaultConfig().Filter
	}
	filt, err := filter.New(fc.Alpha, fc.Size, fc.Rank)
	if err != nil {
		return nil, err
	}

	eval, err := alert.NewEvaluator(opts.Threshold)
	if err != nil {
		return nil, err
	}

	node := opts.Node
	if node == "" {
		node = arts.Manifest.Node
	}

	windows := window.Slice(opts.Events, dur)
	records := make([]feed.Record, 0, len(windows))
	for _, w := range windows {
		counts := ngram.Extract(w.Sequence, arts.Manifest.GramSize)
		vec, err := arts.Vectorizer.Transform(counts)
		if err != nil {
			return nil, fmt.Errorf("vectorize window at %s: %w", w.Start, err)
		}
		raw, err := arts.Forest.Score(vec)
		if err != nil {
			return nil, fmt.Errorf("score window at %s: %w", w.Start, err)
		}

		filtered := filt.Apply(raw)
		dec := eval.Evaluate(filtered)

		records = append(records, feed.Record{
			Node:          node,
			WindowStartNs: w.Start.UnixNano(),
			WindowEndNs:   w.End.UnixNano(),
			Events:        w.Events(),
			Score:         raw,
			FilteredScore: filtered,
			Threshold:     dec.Threshold,
			Alert:         dec.Alert,
		})
	}

	return records, nil
}
