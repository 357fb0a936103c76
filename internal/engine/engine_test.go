package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argosd/internal/capture"
	"argosd/internal/config"
	"argosd/internal/feature"
	"argosd/internal/feed"
	"argosd/internal/forest"
	"argosd/internal/model"
	"argosd/internal/ngram"
	"argosd/internal/tfidf"
	"argosd/internal/window"
)

// patternSequence repeats pattern cyclically to length n.
func patternSequence(pattern []uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

// twoBehaviorArtifacts trains a small model over 19 identical windows
// of the 2,3,4 cycle plus one window of the 5,6 cycle. The behaviors
// share no grams, so on every candidate dimension one behavior sits at
// zero and every possible split separates the two: each tree is a root
// split with a 19-window leaf and a singleton leaf, independent of the
// seed. Windows repeating the dominant cycle score identically, and a
// window of unseen syscalls (the zero vector) reaches the singleton
// leaf in every tree that splits on a dominant-gram dimension.
func twoBehaviorArtifacts(t *testing.T, windowMs int64) *model.Artifacts {
	t.Helper()

	counts := make([]ngram.Counts, 0, 20)
	for i := 0; i < 19; i++ {
		counts = append(counts, ngram.Extract(patternSequence([]uint32{2, 3, 4}, 9), 3))
	}
	counts = append(counts, ngram.Extract(patternSequence([]uint32{5, 6}, 8), 3))

	vec, err := tfidf.Fit(counts, 3)
	require.NoError(t, err)

	vectors := make([]feature.Vector, len(counts))
	for i, c := range counts {
		v, err := vec.Transform(c)
		require.NoError(t, err)
		vectors[i] = v
	}

	frst, err := forest.Fit(vectors, forest.Options{Trees: 50, SampleSize: 64, Dim: vec.Dim(), Seed: 1})
	require.NoError(t, err)

	return &model.Artifacts{
		Manifest: model.Manifest{
			FormatVersion: model.FormatVersion,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			Node:          "test-node",
			GramSize:      3,
			WindowMs:      windowMs,
			Dimensions:    vec.Dim(),
			Windows:       vec.Windows,
			Trees:         len(frst.Trees),
			SampleSize:    frst.SampleSize,
			MaxDepth:      frst.MaxDepth,
			Seed:          frst.Seed,
		},
		Vectorizer: vec,
		Forest:     frst,
	}
}

// testConfig returns a configuration compatible with
// twoBehaviorArtifacts at the given window length.
func testConfig(windowMs int64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Name = "test-node"
	cfg.Features.GramSize = 3
	cfg.Window.DurationMs = windowMs
	cfg.Capture.Source = "static"
	return cfg
}

// memorySink collects emitted records in memory.
type memorySink struct {
	mu      sync.Mutex
	records []feed.Record
	closed  bool
}

func (s *memorySink) Emit(r *feed.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *r)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) Records() []feed.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.Record(nil), s.records...)
}

func (s *memorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestNewPipelineRejectsMismatchedArtifacts(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)

	cfg := testConfig(500)
	cfg.Features.GramSize = 4
	_, err := NewPipeline(cfg, arts, capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.ErrorIs(t, err, model.ErrIncompatible)

	_, err = NewPipeline(testConfig(250), arts, capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.ErrorIs(t, err, model.ErrIncompatible)
}

func TestPipelineRunDrainsFiniteSource(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 50)
	sink := &memorySink{}
	src := capture.Sequence("replay", time.Now(), time.Millisecond, patternSequence([]uint32{2, 3, 4}, 30))

	p, err := NewPipeline(testConfig(50), arts, src, sink, nil)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	recs := sink.Records()
	require.NotEmpty(t, recs)
	total := 0
	for _, r := range recs {
		total += r.Events
		assert.Equal(t, "test-node", r.Node)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	assert.Equal(t, 30, total)

	st := p.Stats()
	assert.Equal(t, uint64(30), st.EventsSeen)
	assert.Equal(t, uint64(len(recs)), st.WindowsProcessed)
	assert.Zero(t, p.QueueDepth())
	assert.True(t, sink.Closed())
}

func TestPipelineRunTwiceFails(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 50)
	src := capture.Sequence("replay", time.Now(), time.Millisecond, patternSequence([]uint32{2, 3, 4}, 6))

	p, err := NewPipeline(testConfig(50), arts, src, &memorySink{}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))
	require.ErrorIs(t, p.Run(context.Background()), ErrRunning)
}

func TestPipelinePauseDropsWindows(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)
	sink := &memorySink{}
	p, err := NewPipeline(testConfig(500), arts, capture.NewStatic("idle", nil), sink, nil)
	require.NoError(t, err)

	start := time.Now()
	w := window.Window{
		Start:    start,
		End:      start.Add(500 * time.Millisecond),
		Sequence: patternSequence([]uint32{2, 3, 4}, 9),
	}

	p.Pause()
	assert.True(t, p.Paused())
	p.handleWindow(context.Background(), w)

	assert.Empty(t, sink.Records())
	st := p.Stats()
	assert.Equal(t, uint64(1), st.WindowsDropped)
	assert.Zero(t, st.WindowsProcessed)

	p.Resume()
	assert.False(t, p.Paused())
	p.handleWindow(context.Background(), w)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 9, recs[0].Events)
	assert.Equal(t, w.Start.UnixNano(), recs[0].WindowStartNs)

	st = p.Stats()
	assert.Equal(t, uint64(1), st.WindowsProcessed)
	assert.Equal(t, uint64(9), st.EventsSeen)
	assert.Equal(t, w.End, st.LastWindowEnd)
}

func TestPipelineScoresEmptyWindow(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)
	sink := &memorySink{}
	p, err := NewPipeline(testConfig(500), arts, capture.NewStatic("idle", nil), sink, nil)
	require.NoError(t, err)

	start := time.Now()
	p.handleWindow(context.Background(), window.Window{Start: start, End: start.Add(500 * time.Millisecond)})

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].Events)
	assert.GreaterOrEqual(t, recs[0].Score, 0.0)
	assert.LessOrEqual(t, recs[0].Score, 1.0)
}

func TestPipelineResumeInstallsFreshFilter(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)
	p, err := NewPipeline(testConfig(500), arts, capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.NoError(t, err)

	before := p.filter.Load()
	p.Pause()
	p.Resume()
	assert.NotSame(t, before, p.filter.Load())

	// Resume without a pause is a no-op.
	current := p.filter.Load()
	p.Resume()
	assert.Same(t, current, p.filter.Load())
}

func TestPipelineSetThreshold(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)
	p, err := NewPipeline(testConfig(500), arts, capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.NoError(t, err)

	require.NoError(t, p.SetThreshold(0.9))
	assert.Equal(t, 0.9, p.Threshold())

	require.Error(t, p.SetThreshold(1.5))
	assert.Equal(t, 0.9, p.Threshold())
}

func TestPipelineSwapModel(t *testing.T) {
	arts := twoBehaviorArtifacts(t, 500)
	p, err := NewPipeline(testConfig(500), arts, capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.NoError(t, err)

	next := twoBehaviorArtifacts(t, 500)
	oldFilter := p.filter.Load()
	require.NoError(t, p.SwapModel(next))
	assert.Same(t, next, p.Model())
	assert.NotSame(t, oldFilter, p.filter.Load())

	incompatible := twoBehaviorArtifacts(t, 250)
	require.ErrorIs(t, p.SwapModel(incompatible), model.ErrIncompatible)
	assert.Same(t, next, p.Model())
}

func TestPipelineApplyConfig(t *testing.T) {
	cfg := testConfig(500)
	p, err := NewPipeline(cfg, twoBehaviorArtifacts(t, 500), capture.NewStatic("idle", nil), &memorySink{}, nil)
	require.NoError(t, err)

	next := cfg.Clone()
	next.Alerting.Threshold = 0.25
	next.Filter.Alpha = 0.5
	before := p.filter.Load()
	p.ApplyConfig(next)
	assert.Equal(t, 0.25, p.Threshold())
	assert.NotSame(t, before, p.filter.Load())

	// Invalid values leave the running settings alone.
	bad := cfg.Clone()
	bad.Alerting.Threshold = 4
	bad.Filter.Alpha = -1
	current := p.filter.Load()
	p.ApplyConfig(bad)
	assert.Equal(t, 0.25, p.Threshold())
	assert.Same(t, current, p.filter.Load())
}
