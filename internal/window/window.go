// Package window partitions the continuous syscall event stream into
// fixed-duration, contiguous, non-overlapping windows.
//
// Sealing is driven by the wall clock, never by downstream progress: a
// window closes when its interval elapses, whether or not the
// processing stage has kept up, and an interval with no events still
// produces an (empty) window. Sealed windows enter an unbounded FIFO
// queue; under sustained overload the queue grows and alerting latency
// with it, but no window is dropped.
package window

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"argosd/internal/capture"
	"argosd/internal/metrics"
)

// Window is one sealed capture interval. End - Start always equals the
// configured window duration; Sequence preserves arrival order.
type Window struct {
	Start    time.Time
	End      time.Time
	Sequence []uint32
}

// Events returns the number of captured events.
func (w Window) Events() int { return len(w.Sequence) }

// Engine turns an event stream into sealed windows.
type Engine struct {
	duration time.Duration
	log      *slog.Logger

	// ticks overrides the internal ticker when set (tests).
	ticks <-chan time.Time

	sealed   atomic.Uint64
	rejected atomic.Uint64
	lastTS   time.Time
}

// NewEngine builds an Engine with the given window duration.
func NewEngine(duration time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{duration: duration, log: log}
}

// Sealed returns the number of windows sealed so far.
func (e *Engine) Sealed() uint64 { return e.sealed.Load() }

// Rejected returns the number of out-of-order events dropped so far.
func (e *Engine) Rejected() uint64 { return e.rejected.Load() }

// Run consumes events and pushes sealed windows onto out until ctx is
// cancelled or events is closed. The open window is sealed and pushed
// before returning, and out is closed, so consumers can drain to the
// stream's true end.
func (e *Engine) Run(ctx context.Context, events <-chan capture.Event, out *Queue) error {
	ticks := e.ticks
	if ticks == nil {
		ticker := time.NewTicker(e.duration)
		defer ticker.Stop()
		ticks = ticker.C
	}
	defer out.Close()

	start := time.Now()
	cur := Window{Start: start, End: start.Add(e.duration)}

	seal := func() {
		out.Push(cur)
		e.sealed.Add(1)
		metrics.WindowsSealed.Inc()
		if len(cur.Sequence) == 0 {
			e.log.Debug("sealed empty window", "start", cur.Start, "end", cur.End)
		}
		cur = Window{Start: cur.End, End: cur.End.Add(e.duration)}
	}

	for {
		select {
		case <-ctx.Done():
			seal()
			return ctx.Err()

		case <-ticks:
			seal()

		case ev, ok := <-events:
			if !ok {
				seal()
				return nil
			}
			e.observe(ev, &cur)
		}
	}
}

// observe appends one event to the open window, rejecting timestamp
// regressions. Rejected events are logged and counted, never reordered.
func (e *Engine) observe(ev capture.Event, cur *Window) {
	if !e.lastTS.IsZero() && ev.Timestamp.Before(e.lastTS) {
		e.rejected.Add(1)
		metrics.EventsOutOfOrder.Inc()
		e.log.Warn("rejected out-of-order event",
			"timestamp", ev.Timestamp,
			"last", e.lastTS,
			"syscall", ev.Syscall)
		return
	}
	e.lastTS = ev.Timestamp
	cur.Sequence = append(cur.Sequence, ev.Syscall)
	metrics.EventsObserved.Inc()
}
