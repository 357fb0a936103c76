package window

import (
	"time"

	"argosd/internal/capture"
)

// Slice partitions a finite, time-ordered event slice into the same
// contiguous fixed-duration windows the live engine produces, anchored
// at the first event's timestamp. Interior intervals with no events
// yield empty windows; out-of-order events are dropped, matching the
// live path. The trailing partial interval is sealed as a final
// full-duration window.
func Slice(events []capture.Event, duration time.Duration) []Window {
	if len(events) == 0 || duration <= 0 {
		return nil
	}

	start := events[0].Timestamp
	cur := Window{Start: start, End: start.Add(duration)}
	last := start

	var out []Window
	for _, ev := range events {
		if ev.Timestamp.Before(last) {
			continue
		}
		last = ev.Timestamp

		for !ev.Timestamp.Before(cur.End) {
			out = append(out, cur)
			cur = Window{Start: cur.End, End: cur.End.Add(duration)}
		}
		cur.Sequence = append(cur.Sequence, ev.Syscall)
	}

	return append(out, cur)
}

// NonEmpty filters a window slice down to the windows that captured at
// least one event. Training uses it so intervals with no activity do
// not dilute document frequencies.
func NonEmpty(windows []Window) []Window {
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		if len(w.Sequence) > 0 {
			out = append(out, w)
		}
	}
	return out
}
