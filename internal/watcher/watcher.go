// Package watcher notices completed model retrains and signals the
// daemon to reload artifacts without a restart.
//
// Training writes the manifest last, so a manifest change is the
// completion marker for a whole artifact set. The watcher waits for the
// file to go quiet, digests it, and emits a reload event only when the
// digest actually differs from the one currently in force.
package watcher

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"argosd/internal/model"
)

// ReloadEvent reports a new completed artifact set in Dir.
type ReloadEvent struct {
	Dir            string
	ManifestDigest [32]byte
	Timestamp      time.Time
}

// Watcher monitors a model directory for manifest replacement.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	manifest  string
	debounce  time.Duration

	mu         sync.Mutex
	pending    time.Time // last manifest activity, zero when idle
	lastDigest [32]byte
	haveDigest bool

	events chan ReloadEvent
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for the manifest in dir. Events fire after the
// manifest has been quiet for the debounce interval.
func New(dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		manifest:  filepath.Join(dir, model.ManifestFile),
		debounce:  debounce,
		events:    make(chan ReloadEvent, 8),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of reload events.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. A manifest already present is taken as the
// baseline, matching the model the daemon loaded at startup, and does
// not fire an event.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("model dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model dir %s is not a directory", w.dir)
	}

	if digest, err := digestFile(w.manifest); err == nil {
		w.lastDigest = digest
		w.haveDigest = true
	}

	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch model dir: %w", err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return err
}

// eventLoop marks manifest activity. Atomic writers rename into place,
// which arrives as a create, so creates count as much as writes.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != model.ManifestFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// debounceLoop emits a reload once the manifest has been quiet long
// enough and its content has really changed.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.maybeEmit(now)
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	tick := w.debounce / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	return tick
}

func (w *Watcher) maybeEmit(now time.Time) {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()

	if pending.IsZero() || now.Sub(pending) < w.debounce {
		return
	}

	digest, err := digestFile(w.manifest)
	if err != nil {
		// Manifest vanished or is unreadable; report and wait for the
		// next write.
		select {
		case w.errors <- fmt.Errorf("digest manifest: %w", err):
		default:
		}
		w.clearPending(pending)
		return
	}

	w.mu.Lock()
	unchanged := w.haveDigest && digest == w.lastDigest
	w.mu.Unlock()
	if unchanged {
		w.clearPending(pending)
		return
	}

	event := ReloadEvent{
		Dir:            w.dir,
		ManifestDigest: digest,
		Timestamp:      now,
	}
	select {
	case w.events <- event:
		w.mu.Lock()
		w.lastDigest = digest
		w.haveDigest = true
		w.mu.Unlock()
		w.clearPending(pending)
	default:
		// Consumer is behind; keep pending set and retry next tick.
	}
}

// clearPending resets the activity marker unless new activity arrived
// while we were digesting.
func (w *Watcher) clearPending(seen time.Time) {
	w.mu.Lock()
	if w.pending.Equal(seen) {
		w.pending = time.Time{}
	}
	w.mu.Unlock()
}

// digestFile streams a file through SHA-256.
func digestFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
