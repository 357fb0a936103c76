// Package capture provides the system-call event feed consumed by the
// scoring pipeline.
//
// A Source abstracts the host's syscall-monitoring facility so the
// pipeline core does not depend on any specific tracing mechanism. The
// Linux implementation reads raw_syscalls:sys_enter from tracefs; the
// corpus package provides a replay source over recorded captures; Static
// feeds a fixed in-memory sequence for offline scoring and tests.
package capture

import (
	"context"
	"time"
)

// Event is a single observed system call.
type Event struct {
	// Timestamp is the capture instant. Sources must emit events in
	// non-decreasing timestamp order; the windowing engine rejects
	// regressions.
	Timestamp time.Time

	// Syscall is the architecture-local system call number.
	Syscall uint32
}

// Source delivers a continuous stream of syscall events.
type Source interface {
	// Name identifies the source in logs and status output.
	Name() string

	// Run delivers events to out until ctx is cancelled or the stream
	// ends. Run does not close out; ownership of the channel stays with
	// the caller. A nil return means the stream ended normally (finite
	// sources) or the context was cancelled.
	Run(ctx context.Context, out chan<- Event) error
}

// Static is a finite in-memory Source.
type Static struct {
	name   string
	events []Event
}

// NewStatic builds a Source over a fixed event slice.
func NewStatic(name string, events []Event) *Static {
	return &Static{name: name, events: events}
}

// Sequence builds a Static source from bare syscall numbers, spacing
// them evenly at the given interval starting at start. Used by offline
// scoring and tests.
func Sequence(name string, start time.Time, interval time.Duration, syscalls []uint32) *Static {
	events := make([]Event, len(syscalls))
	for i, nr := range syscalls {
		events[i] = Event{
			Timestamp: start.Add(time.Duration(i) * interval),
			Syscall:   nr,
		}
	}
	return NewStatic(name, events)
}

// Name implements Source.
func (s *Static) Name() string { return s.name }

// Run implements Source.
func (s *Static) Run(ctx context.Context, out chan<- Event) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
