// Package engine assembles the capture, windowing, scoring, and
// alerting stages into the running inference pipeline, and hosts the
// offline train and score paths over the same components.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"argosd/internal/alert"
	"argosd/internal/capture"
	"argosd/internal/config"
	"argosd/internal/feed"
	"argosd/internal/filter"
	"argosd/internal/logging"
	"argosd/internal/metrics"
	"argosd/internal/model"
	"argosd/internal/ngram"
	"argosd/internal/tracing"
	"argosd/internal/window"
)

// ErrRunning reports a second Run on a live pipeline.
var ErrRunning = errors.New("engine: pipeline already running")

// drainTimeout bounds how long shutdown waits for queued windows.
const drainTimeout = 10 * time.Second

// Stats is a snapshot of pipeline activity since startup.
type Stats struct {
	EventsSeen        uint64
	WindowsProcessed  uint64
	WindowsDropped    uint64
	Alerts            uint64
	LastScore         float64
	LastFilteredScore float64
	LastWindowEnd     time.Time
}

// Pipeline runs live inference: capture feeds the windowing engine,
// sealed windows queue FIFO, and a single processing goroutine extracts
// grams, vectorizes, scores, filters, and evaluates each one. The model
// and filter are swappable at runtime through atomic pointers; the
// processing goroutine picks up a swap at the next window boundary.
type Pipeline struct {
	node     string
	gramSize int
	windowMs int64
	chanBuf  int

	source capture.Source
	engine *window.Engine
	queue  *window.Queue
	sink   feed.Sink
	eval   *alert.Evaluator
	log    *logging.Logger

	model  atomic.Pointer[model.Artifacts]
	filter atomic.Pointer[filter.Filter]

	paused  atomic.Bool
	started atomic.Bool

	// mu guards stats and filterCfg.
	mu        sync.Mutex
	stats     Stats
	filterCfg config.FilterConfig

	// startCfg is the configuration the pipeline was built from, kept
	// for detecting restart-required changes on reload.
	startCfg *config.Config
}

// NewPipeline validates the artifacts against the configuration and
// builds a pipeline. The pipeline takes ownership of sink and closes
// it when Run returns.
func NewPipeline(cfg *config.Config, arts *model.Artifacts, source capture.Source, sink feed.Sink, log *logging.Logger) (*Pipeline, error) {
	if log == nil {
		log = logging.Default()
	}

	p := &Pipeline{
		node:      cfg.Node.Name,
		gramSize:  cfg.Features.GramSize,
		windowMs:  cfg.Window.DurationMs,
		chanBuf:   cfg.Capture.ChannelBuffer,
		source:    source,
		queue:     window.NewQueue(),
		sink:      sink,
		log:       log.Component("pipeline"),
		filterCfg: cfg.Filter,
		startCfg:  cfg.Clone(),
	}
	if p.chanBuf <= 0 {
		p.chanBuf = 4096
	}

	if err := p.compatible(arts); err != nil {
		return nil, err
	}
	p.model.Store(arts)

	f, err := filter.New(cfg.Filter.Alpha, cfg.Filter.Size, cfg.Filter.Rank)
	if err != nil {
		return nil, err
	}
	p.filter.Store(f)

	eval, err := alert.NewEvaluator(cfg.Alerting.Threshold)
	if err != nil {
		return nil, err
	}
	p.eval = eval

	p.engine = window.NewEngine(cfg.Window.Duration(), log.Component("window").Logger)

	metrics.Threshold.Set(eval.Threshold())
	metrics.ModelDimensions.Set(float64(arts.Vectorizer.Dim()))

	return p, nil
}

// compatible rejects artifacts whose training configuration does not
// match the daemon's. Scoring against a mismatched vocabulary or
// window length would produce meaningless numbers.
func (p *Pipeline) compatible(arts *model.Artifacts) error {
	if arts.Manifest.GramSize != p.gramSize {
		return fmt.Errorf("%w: model gram size %d, daemon %d",
			model.ErrIncompatible, arts.Manifest.GramSize, p.gramSize)
	}
	if arts.Manifest.WindowMs != p.windowMs {
		return fmt.Errorf("%w: model window %dms, daemon %dms",
			model.ErrIncompatible, arts.Manifest.WindowMs, p.windowMs)
	}
	return nil
}

// Node returns the node label attached to emitted records.
func (p *Pipeline) Node() string { return p.node }

// GramSize returns the configured gram size.
func (p *Pipeline) GramSize() int { return p.gramSize }

// WindowMillis returns the window duration in milliseconds.
func (p *Pipeline) WindowMillis() int64 { return p.windowMs }

// Model returns the artifacts currently scoring windows.
func (p *Pipeline) Model() *model.Artifacts { return p.model.Load() }

// Threshold returns the active alert threshold.
func (p *Pipeline) Threshold() float64 { return p.eval.Threshold() }

// Paused reports whether scoring is suspended.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Stats returns a snapshot of the activity counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// QueueDepth returns the number of sealed windows awaiting processing.
func (p *Pipeline) QueueDepth() int { return p.queue.Depth() }

// Run drives the pipeline until ctx is cancelled or the capture stream
// ends. On the way out the open window is sealed, queued windows drain
// (bounded), and the sinks are closed. A capture failure is returned so
// the daemon can exit instead of running blind.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrRunning
	}

	arts := p.model.Load()
	p.log.Info("pipeline starting",
		"source", p.source.Name(),
		"gram_size", p.gramSize,
		"window_ms", p.windowMs,
		"dimensions", arts.Vectorizer.Dim(),
		"threshold", p.eval.Threshold(),
	)

	events := make(chan capture.Event, p.chanBuf)

	var wg sync.WaitGroup
	var srcErr, engErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(events)
		if err := p.source.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			srcErr = err
		}
	}()

	// The engine runs off its own context: it stops by draining the
	// closed event channel, so no buffered event is lost on shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.engine.Run(context.Background(), events, p.queue); err != nil {
			engErr = err
		}
	}()

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		p.process(ctx)
	}()

	wg.Wait()

	select {
	case <-procDone:
	case <-time.After(drainTimeout):
		p.log.Warn("shutdown drain timed out", "pending", p.queue.Depth())
	}

	if err := p.sink.Close(); err != nil {
		p.log.Error("close sinks", "error", err)
	}

	st := p.Stats()
	p.log.Info("pipeline stopped",
		"windows_processed", st.WindowsProcessed,
		"events_seen", st.EventsSeen,
		"alerts", st.Alerts,
	)

	if srcErr != nil {
		return fmt.Errorf("capture source: %w", srcErr)
	}
	return engErr
}

// process drains the window queue until it is closed and empty.
func (p *Pipeline) process(ctx context.Context) {
	for {
		w, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.handleWindow(ctx, w)
	}
}

// handleWindow runs one window through extract, vectorize, score,
// filter, and threshold evaluation. Failures are logged and counted;
// the next window is unaffected.
func (p *Pipeline) handleWindow(ctx context.Context, w window.Window) {
	if p.paused.Load() {
		p.mu.Lock()
		p.stats.WindowsDropped++
		p.mu.Unlock()
		return
	}

	arts := p.model.Load()
	filt := p.filter.Load()

	start := time.Now()
	ctx, span := tracing.Start(ctx, "pipeline.window",
		trace.WithAttributes(attribute.Int("window.events", w.Events())))
	defer span.End()

	_, exSpan := tracing.Start(ctx, "pipeline.extract")
	counts := ngram.Extract(w.Sequence, p.gramSize)
	exSpan.End()

	_, vecSpan := tracing.Start(ctx, "pipeline.vectorize")
	vec, err := arts.Vectorizer.Transform(counts)
	vecSpan.End()
	if err != nil {
		p.windowError(w, err)
		return
	}

	_, scSpan := tracing.Start(ctx, "pipeline.score")
	raw, err := arts.Forest.Score(vec)
	scSpan.End()
	if err != nil {
		p.windowError(w, err)
		return
	}

	filtered := filt.Apply(raw)
	dec := p.eval.Evaluate(filtered)

	metrics.WindowsProcessed.Inc()
	metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	metrics.Scores.Observe(filtered)
	span.SetAttributes(
		attribute.Float64("window.score", raw),
		attribute.Float64("window.filtered_score", filtered),
		attribute.Bool("window.alert", dec.Alert),
	)

	if dec.Alert {
		metrics.Alerts.Inc()
		p.log.Warn("anomaly alert",
			"score", raw,
			"filtered_score", filtered,
			"threshold", dec.Threshold,
			"events", w.Events(),
			"window_start", w.Start,
		)
	} else {
		p.log.Debug("window scored",
			"score", raw,
			"filtered_score", filtered,
			"events", w.Events(),
		)
	}

	rec := &feed.Record{
		Node:          p.node,
		WindowStartNs: w.Start.UnixNano(),
		WindowEndNs:   w.End.UnixNano(),
		Events:        w.Events(),
		Score:         raw,
		FilteredScore: filtered,
		Threshold:     dec.Threshold,
		Alert:         dec.Alert,
	}
	if err := p.sink.Emit(rec); err != nil {
		p.log.Error("feed emit failed", "error", err)
	}

	p.mu.Lock()
	p.stats.WindowsProcessed++
	p.stats.EventsSeen += uint64(w.Events())
	if dec.Alert {
		p.stats.Alerts++
	}
	p.stats.LastScore = raw
	p.stats.LastFilteredScore = filtered
	p.stats.LastWindowEnd = w.End
	p.mu.Unlock()
}

func (p *Pipeline) windowError(w window.Window, err error) {
	metrics.WindowErrors.Inc()
	p.log.Warn("window processing failed",
		"error", err,
		"events", w.Events(),
		"window_start", w.Start,
	)
}

// Pause suspends scoring. Capture and windowing keep running so the
// window tiling stays continuous; sealed windows are discarded until
// Resume.
func (p *Pipeline) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		p.log.Info("pipeline paused")
	}
}

// Resume restarts scoring with a fresh filter: smoothing must not
// bridge the pause gap.
func (p *Pipeline) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		p.resetFilter()
		p.log.Info("pipeline resumed")
	}
}

// SetThreshold changes the alert threshold for subsequent evaluations.
// Prior verdicts are untouched.
func (p *Pipeline) SetThreshold(v float64) error {
	prev := p.eval.Threshold()
	if err := p.eval.SetThreshold(v); err != nil {
		return err
	}
	metrics.Threshold.Set(v)
	if v != prev {
		p.log.Info("alert threshold changed", "previous", prev, "threshold", v)
	}
	return nil
}

// SwapModel replaces the scoring artifacts after the same
// compatibility check as startup. The filter restarts so smoothed
// history from the old model does not leak into the new one.
func (p *Pipeline) SwapModel(arts *model.Artifacts) error {
	if err := p.compatible(arts); err != nil {
		return err
	}

	p.model.Store(arts)
	p.resetFilter()
	metrics.ModelDimensions.Set(float64(arts.Vectorizer.Dim()))
	p.log.Info("model hot-swapped",
		"created_at", arts.Manifest.CreatedAt,
		"dimensions", arts.Vectorizer.Dim(),
		"windows", arts.Manifest.Windows,
		"trees", arts.Manifest.Trees,
	)
	return nil
}

// resetFilter installs a fresh filter with the current parameters.
func (p *Pipeline) resetFilter() {
	p.mu.Lock()
	fc := p.filterCfg
	p.mu.Unlock()

	f, err := filter.New(fc.Alpha, fc.Size, fc.Rank)
	if err != nil {
		// filterCfg only ever holds values filter.New has accepted.
		p.log.Error("filter reset failed", "error", err)
		return
	}
	p.filter.Store(f)
}

// ApplyConfig applies the hot-reloadable subset of a new
// configuration: alert threshold and filter parameters. Structural
// changes are logged as requiring a restart and otherwise ignored.
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	if err := p.SetThreshold(cfg.Alerting.Threshold); err != nil {
		p.log.Warn("rejected reloaded threshold",
			"threshold", cfg.Alerting.Threshold, "error", err)
	}

	p.mu.Lock()
	changed := cfg.Filter != p.filterCfg
	p.mu.Unlock()
	if changed {
		f, err := filter.New(cfg.Filter.Alpha, cfg.Filter.Size, cfg.Filter.Rank)
		if err != nil {
			p.log.Warn("rejected reloaded filter parameters", "error", err)
		} else {
			p.mu.Lock()
			p.filterCfg = cfg.Filter
			p.mu.Unlock()
			p.filter.Store(f)
			p.log.Info("filter parameters changed",
				"alpha", cfg.Filter.Alpha,
				"size", cfg.Filter.Size,
				"rank", cfg.Filter.Rank,
			)
		}
	}

	p.warnStructural(cfg)
}

// warnStructural flags reloaded fields the running pipeline cannot
// adopt. Comparison is against the startup configuration: the running
// state derives from it, not from the latest file contents.
func (p *Pipeline) warnStructural(cfg *config.Config) {
	old := p.startCfg

	warn := func(field string, from, to any) {
		p.log.Warn("config change requires restart", "field", field, "from", from, "to", to)
	}

	if cfg.Features.GramSize != old.Features.GramSize {
		warn("features.gram_size", old.Features.GramSize, cfg.Features.GramSize)
	}
	if cfg.Window.DurationMs != old.Window.DurationMs {
		warn("window.duration_ms", old.Window.DurationMs, cfg.Window.DurationMs)
	}
	if cfg.Model.Dir != old.Model.Dir {
		warn("model.dir", old.Model.Dir, cfg.Model.Dir)
	}
	if cfg.Capture.Source != old.Capture.Source {
		warn("capture.source", old.Capture.Source, cfg.Capture.Source)
	}
	if cfg.IPC.SocketPath != old.IPC.SocketPath {
		warn("ipc.socket_path", old.IPC.SocketPath, cfg.IPC.SocketPath)
	}
	if cfg.HTTP.Addr != old.HTTP.Addr {
		warn("http.addr", old.HTTP.Addr, cfg.HTTP.Addr)
	}
}
