package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFileOutputAndJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argosd.log")
	logger, err := New(&Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     "file",
		FilePath:   path,
		MaxSizeMB:  10,
		MaxBackups: 2,
		Component:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("window scored", "score", 0.42)
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if entry["msg"] != "window scored" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["score"] != 0.42 {
		t.Errorf("score = %v", entry["score"])
	}
}

func TestSetLevelTakesEffectImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argosd.log")
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "file",
		FilePath:  path,
		MaxSizeMB: 10,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	logger.Debug("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("visible")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record emitted below threshold")
	}
	if !strings.Contains(string(data), "visible") {
		t.Error("debug record missing after SetLevel")
	}
}

func TestComponentChildSharesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argosd.log")
	logger, err := New(&Config{
		Level:     LevelWarn,
		Format:    FormatText,
		Output:    "file",
		FilePath:  path,
		MaxSizeMB: 10,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	child := logger.Component("capture")
	child.Info("quiet")
	logger.SetLevel(LevelInfo)
	child.Info("loud")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "quiet") {
		t.Error("child ignored parent level")
	}
	if !strings.Contains(string(data), "loud") {
		t.Error("child missed level change")
	}
	if !strings.Contains(string(data), "component=capture") {
		t.Errorf("child records missing component tag:\n%s", data)
	}
}

func TestRotationKeepsWriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argosd.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSizeMB:  1,
		MaxBackups: 3,
		Compress:   false,
	})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer rotator.Close()

	line := []byte(strings.Repeat("x", 64*1024) + "\n")
	for i := 0; i < 20; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "argosd-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Error("no rotated files produced")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current log is %d bytes, exceeds rotation limit", info.Size())
	}
}

func TestRotationRespectsBackupLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "argosd.log")
	cfg := &Config{
		FilePath:   path,
		MaxSizeMB:  1,
		MaxBackups: 2,
		Compress:   false,
	}

	// Seed more rotated files than the limit allows.
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("argosd-2024010%d-000000.log", i))
		if err := os.WriteFile(name, []byte("old"), 0640); err != nil {
			t.Fatalf("seed rotated file: %v", err)
		}
	}

	r := &FileRotator{config: cfg}
	r.cleanup()

	matches, err := filepath.Glob(filepath.Join(dir, "argosd-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d rotated files after cleanup, want 2", len(matches))
	}
}
