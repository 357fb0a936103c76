package watcher

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"argosd/internal/model"
)

// writeManifest mimics the trainer's atomic write: temp file, then
// rename into place.
func writeManifest(t *testing.T, dir string, content []byte) {
	t.Helper()

	tmp, err := os.CreateTemp(dir, "manifest-*")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp: %v", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, model.ManifestFile)); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()

	w, err := New(dir, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestReloadOnNewManifest(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	content := []byte(`{"format_version":1}`)
	writeManifest(t, dir, content)

	select {
	case event := <-w.Events():
		if event.Dir != dir {
			t.Errorf("dir = %s, want %s", event.Dir, dir)
		}
		if event.ManifestDigest != sha256.Sum256(content) {
			t.Error("digest does not match manifest content")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestBaselineManifestDoesNotFire(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, model.ManifestFile), []byte(`{"format_version":1}`), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	w := startWatcher(t, dir)

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for pre-existing manifest: %+v", event)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestRewriteSameContentDoesNotFire(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`{"format_version":1}`)
	if err := os.WriteFile(filepath.Join(dir, model.ManifestFile), content, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	w := startWatcher(t, dir)
	writeManifest(t, dir, content)

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for identical manifest: %+v", event)
	case <-time.After(1 * time.Second):
	}
}

func TestOtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, model.ForestFile), []byte(`{}`), 0644); err != nil {
		t.Fatalf("write forest: %v", err)
	}

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for non-manifest file: %+v", event)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestSequentialRetrains(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	writeManifest(t, dir, []byte(`{"seed":1}`))
	var first ReloadEvent
	select {
	case first = <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	writeManifest(t, dir, []byte(`{"seed":2}`))
	select {
	case second := <-w.Events():
		if second.ManifestDigest == first.ManifestDigest {
			t.Error("expected a different digest for the second retrain")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for second event")
	}
}

func TestStartFailsOnMissingDir(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "absent"), time.Second)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	if err := w.Start(); err == nil {
		t.Fatal("expected start to fail on a missing directory")
	}
}
