package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"argosd/internal/capture"
)

// Payload schemas. Entry payloads are JSON so corpus files stay
// inspectable with standard tooling once framing is stripped.

// SessionStartPayload opens a recording session.
type SessionStartPayload struct {
	Node      string `json:"node"`
	Source    string `json:"source"`
	StartedAt int64  `json:"started_at_ns"`
}

// EventBatchPayload carries a run of captured events. Timestamps and
// syscall numbers are parallel arrays.
type EventBatchPayload struct {
	Timestamps []int64  `json:"timestamps_ns"`
	Syscalls   []uint32 `json:"syscalls"`
}

// SessionEndPayload closes a recording session.
type SessionEndPayload struct {
	EndedAt int64  `json:"ended_at_ns"`
	Events  uint64 `json:"events_total"`
}

// Recorder drains a capture stream into a corpus file in batches. A
// batch is flushed when it reaches batchSize events or when the flush
// interval elapses, whichever comes first.
type Recorder struct {
	writer        *Writer
	node          string
	source        string
	batchSize     int
	flushInterval time.Duration
	log           *slog.Logger

	pending EventBatchPayload
	total   uint64
}

// RecorderOptions configures a Recorder. Zero values select defaults.
type RecorderOptions struct {
	Node          string
	Source        string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 1 * time.Second
)

// NewRecorder creates a Recorder that appends to writer.
func NewRecorder(writer *Writer, opts RecorderOptions) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		writer:        writer,
		node:          opts.Node,
		source:        opts.Source,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		log:           opts.Logger,
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
// It writes a session start entry first and a session end entry last,
// so a cleanly recorded session is bracketed in the file.
func (r *Recorder) Run(ctx context.Context, events <-chan capture.Event) error {
	start := SessionStartPayload{
		Node:      r.node,
		Source:    r.source,
		StartedAt: time.Now().UnixNano(),
	}
	if err := r.appendJSON(EntrySessionStart, start); err != nil {
		return fmt.Errorf("record session start: %w", err)
	}

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-ticker.C:
			if err := r.flush(); err != nil {
				runErr = err
				break loop
			}
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			r.pending.Timestamps = append(r.pending.Timestamps, ev.Timestamp.UnixNano())
			r.pending.Syscalls = append(r.pending.Syscalls, ev.Syscall)
			if len(r.pending.Syscalls) >= r.batchSize {
				if err := r.flush(); err != nil {
					runErr = err
					break loop
				}
			}
		}
	}

	if err := r.flush(); err != nil && runErr == nil {
		runErr = err
	}

	end := SessionEndPayload{
		EndedAt: time.Now().UnixNano(),
		Events:  r.total,
	}
	if err := r.appendJSON(EntrySessionEnd, end); err != nil && runErr == nil {
		runErr = fmt.Errorf("record session end: %w", err)
	}

	r.log.Info("recording session closed", "events", r.total)
	return runErr
}

// flush appends the pending batch, if any.
func (r *Recorder) flush() error {
	if len(r.pending.Syscalls) == 0 {
		return nil
	}
	if err := r.appendJSON(EntryEventBatch, r.pending); err != nil {
		return fmt.Errorf("record event batch: %w", err)
	}
	r.total += uint64(len(r.pending.Syscalls))
	r.pending = EventBatchPayload{}
	return nil
}

func (r *Recorder) appendJSON(entryType EntryType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.writer.Append(entryType, data)
}
