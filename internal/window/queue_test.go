package window

import (
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !q.Push(Window{Start: base.Add(time.Duration(i) * time.Second)}) {
			t.Fatalf("Push %d failed", i)
		}
	}
	if q.Depth() != 3 {
		t.Errorf("Depth() = %d, want 3", q.Depth())
	}

	for i := 0; i < 3; i++ {
		w, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue closed", i)
		}
		if want := base.Add(time.Duration(i) * time.Second); !w.Start.Equal(want) {
			t.Errorf("Pop %d start = %v, want %v", i, w.Start, want)
		}
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0", q.Depth())
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()

	got := make(chan Window)
	go func() {
		w, ok := q.Pop()
		if !ok {
			t.Error("Pop returned closed")
		}
		got <- w
	}()

	// Give the popper a moment to block.
	time.Sleep(10 * time.Millisecond)
	q.Push(Window{Sequence: []uint32{9}})

	select {
	case w := <-got:
		if len(w.Sequence) != 1 || w.Sequence[0] != 9 {
			t.Errorf("popped %v", w.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue()
	q.Push(Window{Sequence: []uint32{1}})
	q.Push(Window{Sequence: []uint32{2}})
	q.Close()

	if q.Push(Window{}) {
		t.Error("Push after Close should return false")
	}

	for i := 1; i <= 2; i++ {
		w, ok := q.Pop()
		if !ok {
			t.Fatalf("queued window %d lost on close", i)
		}
		if w.Sequence[0] != uint32(i) {
			t.Errorf("drain order: got %d, want %d", w.Sequence[0], i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on closed empty queue should return false")
	}
}

func TestQueueCloseWakesBlockedPop(t *testing.T) {
	q := NewQueue()

	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop on empty closed queue returned ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked Pop")
	}
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	q := NewQueue()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(Window{Sequence: []uint32{uint32(i)}})
		}
		q.Close()
	}()

	var got []uint32
	for {
		w, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, w.Sequence[0])
	}
	wg.Wait()

	if len(got) != n {
		t.Fatalf("consumed %d windows, want %d", len(got), n)
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
}
