package engine

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argosd/internal/capture"
	"argosd/internal/corpus"
	"argosd/internal/forest"
	"argosd/internal/journal"
	"argosd/internal/model"
	"argosd/internal/tfidf"
)

// writeCorpus writes one corpus file holding the events as a single
// event batch.
func writeCorpus(t *testing.T, path string, secret []byte, events []capture.Event) {
	t.Helper()

	w, err := corpus.OpenWriter(path, secret)
	require.NoError(t, err)

	var batch corpus.EventBatchPayload
	for _, ev := range events {
		batch.Timestamps = append(batch.Timestamps, ev.Timestamp.UnixNano())
		batch.Syscalls = append(batch.Syscalls, ev.Syscall)
	}
	data, err := json.Marshal(batch)
	require.NoError(t, err)
	require.NoError(t, w.Append(corpus.EntryEventBatch, data))
	require.NoError(t, w.Close())
}

func trainFixture(t *testing.T) (paths []string, secret []byte) {
	t.Helper()

	dir := t.TempDir()
	secret = []byte("0123456789abcdef0123456789abcdef")
	start := time.Unix(1700000000, 0)

	dominant := make([][]uint32, 19)
	for i := range dominant {
		dominant[i] = patternSequence([]uint32{2, 3, 4}, 9)
	}
	a := filepath.Join(dir, "a.corpus")
	writeCorpus(t, a, secret, windowedEvents(start, 500*time.Millisecond, dominant))

	b := filepath.Join(dir, "b.corpus")
	writeCorpus(t, b, secret, windowedEvents(start, 500*time.Millisecond, [][]uint32{
		patternSequence([]uint32{5, 6}, 8),
	}))

	return []string{a, b}, secret
}

func TestTrainFitsArtifactsFromCorpora(t *testing.T) {
	paths, secret := trainFixture(t)
	modelDir := filepath.Join(t.TempDir(), "model")

	res, err := Train(TrainOptions{
		CorpusPaths:    paths,
		Secret:         secret,
		Node:           "train-node",
		GramSize:       3,
		WindowDuration: 500 * time.Millisecond,
		Forest:         forest.Options{Trees: 50, SampleSize: 64, Seed: 1},
		ModelDir:       modelDir,
	})
	require.NoError(t, err)

	assert.Equal(t, 19*9+8, res.Events)
	assert.Equal(t, 20, res.Windows)

	m := res.Artifacts.Manifest
	assert.Equal(t, "train-node", m.Node)
	assert.Equal(t, 3, m.GramSize)
	assert.Equal(t, int64(500), m.WindowMs)
	// Three grams from the 2,3,4 cycle plus two from the 5,6 cycle.
	assert.Equal(t, 5, m.Dimensions)
	assert.Equal(t, 20, m.Windows)
	assert.Equal(t, 50, m.Trees)
	require.Len(t, m.Corpora, 2)
	for _, d := range m.Corpora {
		assert.Regexp(t, "^[0-9a-f]{64}$", d)
	}
	require.NoError(t, res.Artifacts.Forest.Validate())

	loaded, err := model.Load(modelDir)
	require.NoError(t, err)
	assert.Equal(t, m.Digests, loaded.Manifest.Digests)
	assert.Equal(t, res.Artifacts.Vectorizer.Vocabulary, loaded.Vectorizer.Vocabulary)
	assert.Equal(t, res.Artifacts.Forest.Trees, loaded.Forest.Trees)
}

func TestTrainWithoutModelDirStaysInMemory(t *testing.T) {
	paths, secret := trainFixture(t)

	res, err := Train(TrainOptions{
		CorpusPaths:    paths,
		Secret:         secret,
		Node:           "train-node",
		GramSize:       3,
		WindowDuration: 500 * time.Millisecond,
		Forest:         forest.Options{Trees: 25, SampleSize: 64, Seed: 1},
	})
	require.NoError(t, err)

	// The manifest is complete without a Save, so the artifacts can
	// score immediately.
	start := time.Unix(1700009000, 0)
	recs, err := ScoreEvents(ScoreOptions{
		Artifacts: res.Artifacts,
		Events:    windowedEvents(start, 500*time.Millisecond, [][]uint32{patternSequence([]uint32{2, 3, 4}, 9)}),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "train-node", recs[0].Node)
}

func TestTrainDeterministic(t *testing.T) {
	paths, secret := trainFixture(t)

	opts := TrainOptions{
		CorpusPaths:    paths,
		Secret:         secret,
		GramSize:       3,
		WindowDuration: 500 * time.Millisecond,
		Forest:         forest.Options{Trees: 25, SampleSize: 64, Seed: 42},
	}

	a, err := Train(opts)
	require.NoError(t, err)
	b, err := Train(opts)
	require.NoError(t, err)

	require.Equal(t, a.Artifacts.Forest, b.Artifacts.Forest)
	require.Equal(t, a.Artifacts.Vectorizer.Vocabulary, b.Artifacts.Vectorizer.Vocabulary)
	require.Equal(t, a.Artifacts.Vectorizer.DocFreq, b.Artifacts.Vectorizer.DocFreq)
}

func TestTrainRecordsJournalRow(t *testing.T) {
	paths, secret := trainFixture(t)
	modelDir := filepath.Join(t.TempDir(), "model")

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	res, err := Train(TrainOptions{
		CorpusPaths:    paths,
		Secret:         secret,
		GramSize:       3,
		WindowDuration: 500 * time.Millisecond,
		Forest:         forest.Options{Trees: 25, SampleSize: 64, Seed: 1},
		ModelDir:       modelDir,
		Journal:        j,
	})
	require.NoError(t, err)

	row, err := j.LatestModel()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, modelDir, row.Path)
	assert.Equal(t, 3, row.GramSize)
	assert.Equal(t, res.Artifacts.Manifest.Dimensions, row.Dimensions)
	assert.Equal(t, 20, row.Windows)
	assert.Equal(t, 25, row.Trees)
	assert.Equal(t, res.Artifacts.Manifest.Digests[model.ForestFile], row.Digest)
}

func TestTrainValidation(t *testing.T) {
	_, err := Train(TrainOptions{WindowDuration: time.Second})
	require.Error(t, err)

	_, err = Train(TrainOptions{CorpusPaths: []string{"unused"}})
	require.Error(t, err)

	_, err = Train(TrainOptions{
		CorpusPaths:    []string{filepath.Join(t.TempDir(), "missing.corpus")},
		GramSize:       3,
		WindowDuration: time.Second,
	})
	require.Error(t, err)
}

func TestTrainEmptyCorpusFails(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	path := filepath.Join(t.TempDir(), "empty.corpus")

	w, err := corpus.OpenWriter(path, secret)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Train(TrainOptions{
		CorpusPaths:    []string{path},
		Secret:         secret,
		GramSize:       3,
		WindowDuration: time.Second,
		Forest:         forest.Options{Trees: 10, SampleSize: 8, Seed: 1},
	})
	require.ErrorIs(t, err, tfidf.ErrNoWindows)
}
