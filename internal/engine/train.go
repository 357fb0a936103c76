package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"argosd/internal/corpus"
	"argosd/internal/feature"
	"argosd/internal/forest"
	"argosd/internal/journal"
	"argosd/internal/logging"
	"argosd/internal/model"
	"argosd/internal/ngram"
	"argosd/internal/tfidf"
	"argosd/internal/window"
)

// TrainOptions configures an offline training run over recorded
// corpora.
type TrainOptions struct {
	// CorpusPaths are the corpus files to train on. Each file is
	// windowed independently; a session never windows across files.
	CorpusPaths []string

	// Secret keys the corpus HMAC verification.
	Secret []byte

	// Node is stamped into the manifest.
	Node string

	// GramSize and WindowDuration fix the feature geometry.
	GramSize       int
	WindowDuration time.Duration

	// Forest carries the ensemble parameters. Dim is derived from the
	// fitted vocabulary; a caller-set value is ignored.
	Forest forest.Options

	// ModelDir receives the artifacts. Empty skips writing.
	ModelDir string

	// Journal, when set, records the completed run.
	Journal *journal.Journal

	Log *logging.Logger
}

// TrainResult summarizes a completed training run.
type TrainResult struct {
	Artifacts *model.Artifacts
	Events    int
	Windows   int
}

// Train fits the vectorizer and the isolation forest from recorded
// corpora and writes the artifact set. Windows with no events are
// excluded so idle stretches do not dilute document frequencies; a
// corpus that yields no populated window fails with
// tfidf.ErrNoWindows.
func Train(opts TrainOptions) (*TrainResult, error) {
	log := opts.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.Component("train")

	if len(opts.CorpusPaths) == 0 {
		return nil, errors.New("engine: training requires at least one corpus file")
	}
	if opts.WindowDuration <= 0 {
		return nil, errors.New("engine: window duration must be positive")
	}

	var (
		counts  []ngram.Counts
		corpora []string
		events  int
	)
	for _, path := range opts.CorpusPaths {
		evs, err := corpus.ReadEvents(path, opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("read corpus %s: %w", path, err)
		}

		windows := window.NonEmpty(window.Slice(evs, opts.WindowDuration))
		for _, w := range windows {
			counts = append(counts, ngram.Extract(w.Sequence, opts.GramSize))
		}

		digest, err := fileDigest(path)
		if err != nil {
			return nil, fmt.Errorf("digest corpus %s: %w", path, err)
		}
		corpora = append(corpora, digest)

		events += len(evs)
		log.Info("corpus loaded", "path", path, "events", len(evs), "windows", len(windows))
	}

	vec, err := tfidf.Fit(counts, opts.GramSize)
	if err != nil {
		return nil, fmt.Errorf("fit vectorizer: %w", err)
	}

	vectors := make([]feature.Vector, len(counts))
	for i, c := range counts {
		v, err := vec.Transform(c)
		if err != nil {
			return nil, fmt.Errorf("vectorize training window %d: %w", i, err)
		}
		vectors[i] = v
	}

	fopts := opts.Forest
	fopts.Dim = vec.Dim()
	frst, err := forest.Fit(vectors, fopts)
	if err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}

	// The manifest is complete before any Save so the artifacts are
	// usable in-memory; Save re-derives the same fields and adds digests.
	arts := &model.Artifacts{
		Manifest: model.Manifest{
			FormatVersion: model.FormatVersion,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			Node:          opts.Node,
			GramSize:      opts.GramSize,
			WindowMs:      opts.WindowDuration.Milliseconds(),
			Dimensions:    vec.Dim(),
			Windows:       vec.Windows,
			Trees:         len(frst.Trees),
			SampleSize:    frst.SampleSize,
			MaxDepth:      frst.MaxDepth,
			Seed:          frst.Seed,
			Corpora:       corpora,
		},
		Vectorizer: vec,
		Forest:     frst,
	}

	if opts.ModelDir != "" {
		if err := model.Save(opts.ModelDir, arts); err != nil {
			return nil, fmt.Errorf("save artifacts: %w", err)
		}
		log.Info("artifacts written",
			"dir", opts.ModelDir,
			"dimensions", vec.Dim(),
			"windows", vec.Windows,
			"trees", len(frst.Trees),
		)
	}

	if opts.Journal != nil {
		row := &journal.ModelRow{
			CreatedAtNs: time.Now().UnixNano(),
			Path:        opts.ModelDir,
			GramSize:    opts.GramSize,
			Dimensions:  vec.Dim(),
			Windows:     vec.Windows,
			Trees:       len(frst.Trees),
			Digest:      arts.Manifest.Digests[model.ForestFile],
		}
		if _, err := opts.Journal.InsertModel(row); err != nil {
			log.Warn("journal model registration failed", "error", err)
		}
	}

	return &TrainResult{Artifacts: arts, Events: events, Windows: len(counts)}, nil
}

// fileDigest returns the hex SHA-256 of a file's contents.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
