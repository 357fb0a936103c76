package window

import (
	"testing"
	"time"

	"argosd/internal/capture"
)

func evAt(t0 time.Time, offset time.Duration, nr uint32) capture.Event {
	return capture.Event{Timestamp: t0.Add(offset), Syscall: nr}
}

func TestSliceTilesRange(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := 2 * time.Second
	events := []capture.Event{
		evAt(t0, 0, 1),
		evAt(t0, 500*time.Millisecond, 2),
		evAt(t0, 2500*time.Millisecond, 3),
		evAt(t0, 7*time.Second, 4),
	}

	windows := Slice(events, d)

	if len(windows) != 4 {
		t.Fatalf("got %d windows, want 4", len(windows))
	}
	if !windows[0].Start.Equal(t0) {
		t.Errorf("first window starts at %v, want %v", windows[0].Start, t0)
	}
	for i, w := range windows {
		if got := w.End.Sub(w.Start); got != d {
			t.Errorf("window %d duration = %v, want %v", i, got, d)
		}
		if i > 0 && !w.Start.Equal(windows[i-1].End) {
			t.Errorf("window %d start %v != previous end %v", i, w.Start, windows[i-1].End)
		}
	}

	wantCounts := []int{2, 1, 0, 1}
	for i, want := range wantCounts {
		if got := windows[i].Events(); got != want {
			t.Errorf("window %d has %d events, want %d", i, got, want)
		}
	}
	if windows[3].Sequence[0] != 4 {
		t.Errorf("last window sequence = %v, want [4]", windows[3].Sequence)
	}
}

func TestSliceEmptyInput(t *testing.T) {
	if got := Slice(nil, time.Second); got != nil {
		t.Errorf("Slice(nil) = %v, want nil", got)
	}
	if got := Slice([]capture.Event{{Timestamp: time.Now()}}, 0); got != nil {
		t.Errorf("Slice with zero duration = %v, want nil", got)
	}
}

func TestSliceDropsRegressions(t *testing.T) {
	t0 := time.Unix(1000, 0)
	events := []capture.Event{
		evAt(t0, 0, 1),
		evAt(t0, time.Second, 2),
		evAt(t0, 500*time.Millisecond, 99), // regression
		evAt(t0, 1500*time.Millisecond, 3),
	}

	windows := Slice(events, 2*time.Second)

	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1", len(windows))
	}
	seq := windows[0].Sequence
	if len(seq) != 3 || seq[0] != 1 || seq[1] != 2 || seq[2] != 3 {
		t.Errorf("sequence = %v, want [1 2 3]", seq)
	}
}

func TestSliceBoundaryEventOpensNextWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := 2 * time.Second
	events := []capture.Event{
		evAt(t0, 0, 1),
		evAt(t0, d, 2), // exactly on the boundary
	}

	windows := Slice(events, d)

	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(windows))
	}
	if windows[0].Events() != 1 || windows[1].Events() != 1 {
		t.Errorf("event counts = %d,%d, want 1,1", windows[0].Events(), windows[1].Events())
	}
	if windows[1].Sequence[0] != 2 {
		t.Errorf("boundary event landed in the wrong window")
	}
}

func TestNonEmpty(t *testing.T) {
	t0 := time.Unix(1000, 0)
	events := []capture.Event{
		evAt(t0, 0, 1),
		evAt(t0, 5*time.Second, 2),
	}

	all := Slice(events, time.Second)
	if len(all) != 6 {
		t.Fatalf("got %d windows, want 6", len(all))
	}

	kept := NonEmpty(all)
	if len(kept) != 2 {
		t.Fatalf("NonEmpty kept %d windows, want 2", len(kept))
	}
	for i, w := range kept {
		if w.Events() == 0 {
			t.Errorf("kept window %d is empty", i)
		}
	}
}
