package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}

	if cfg.Window.Duration() != 2*time.Second {
		t.Errorf("expected 2s window, got %v", cfg.Window.Duration())
	}
	if cfg.Features.GramSize != 3 {
		t.Errorf("expected gram size 3, got %d", cfg.Features.GramSize)
	}
	if cfg.Alerting.Threshold != 0.6 {
		t.Errorf("expected threshold 0.6, got %v", cfg.Alerting.Threshold)
	}
	if cfg.Filter.Alpha != 0.75 || cfg.Filter.Size != 5 || cfg.Filter.Rank != 2 {
		t.Errorf("unexpected filter defaults: %+v", cfg.Filter)
	}
	if cfg.Training.Trees != 100 {
		t.Errorf("expected 100 trees, got %d", cfg.Training.Trees)
	}
	if cfg.Node.Name == "" {
		t.Error("node name should default to the hostname")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent", "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.Window.DurationMs != 2000 {
		t.Errorf("expected default window, got %d", cfg.Window.DurationMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[node]
name = "sensor-7"

[features]
gram_size = 4

[alerting]
threshold = 0.75
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Name != "sensor-7" {
		t.Errorf("node name = %q, want sensor-7", cfg.Node.Name)
	}
	if cfg.Features.GramSize != 4 {
		t.Errorf("gram size = %d, want 4", cfg.Features.GramSize)
	}
	if cfg.Alerting.Threshold != 0.75 {
		t.Errorf("threshold = %v, want 0.75", cfg.Alerting.Threshold)
	}
	// Untouched sections keep defaults.
	if cfg.Window.DurationMs != 2000 {
		t.Errorf("window duration = %d, want default 2000", cfg.Window.DurationMs)
	}
	if cfg.Filter.Size != 5 {
		t.Errorf("filter size = %d, want default 5", cfg.Filter.Size)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: 1
node:
  name: sensor-9
training:
  trees: 64
  seed: 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Name != "sensor-9" {
		t.Errorf("node name = %q, want sensor-9", cfg.Node.Name)
	}
	if cfg.Training.Trees != 64 || cfg.Training.Seed != 7 {
		t.Errorf("training = %+v", cfg.Training)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"version": 1, "window": {"duration_ms": 5000}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Window.DurationMs != 5000 {
		t.Errorf("window duration = %d, want 5000", cfg.Window.DurationMs)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[alerting]\nthreshold = 0.5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ARGOSD_THRESHOLD", "0.9")
	t.Setenv("ARGOSD_NODE_NAME", "env-node")
	t.Setenv("ARGOSD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Alerting.Threshold != 0.9 {
		t.Errorf("threshold = %v, env override lost", cfg.Alerting.Threshold)
	}
	if cfg.Node.Name != "env-node" {
		t.Errorf("node name = %q, env override lost", cfg.Node.Name)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, env override lost", cfg.Logging.Level)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero window", func(c *Config) { c.Window.DurationMs = 0 }, "window.duration_ms"},
		{"zero gram size", func(c *Config) { c.Features.GramSize = 0 }, "features.gram_size"},
		{"huge gram size", func(c *Config) { c.Features.GramSize = 32 }, "features.gram_size"},
		{"zero alpha", func(c *Config) { c.Filter.Alpha = 0 }, "filter.alpha"},
		{"alpha above one", func(c *Config) { c.Filter.Alpha = 1.5 }, "filter.alpha"},
		{"rank beyond size", func(c *Config) { c.Filter.Rank = 9 }, "filter.rank"},
		{"threshold above one", func(c *Config) { c.Alerting.Threshold = 1.5 }, "alerting.threshold"},
		{"unknown source", func(c *Config) { c.Capture.Source = "ebpf" }, "capture.source"},
		{"single tree sample", func(c *Config) { c.Training.SampleSize = 1 }, "training.sample_size"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad http addr", func(c *Config) { c.HTTP.Addr = "nohost" }, "http.addr"},
		{"future version", func(c *Config) { c.Version = Version + 1 }, "version"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error %q does not mention %s", err.Error(), tc.field)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.Node.DataDir = filepath.Join(base, "data")
	cfg.Model.Dir = filepath.Join(base, "data", "model")
	cfg.Corpus.Dir = filepath.Join(base, "data", "corpus")
	cfg.Corpus.SecretPath = filepath.Join(base, "data", "keys", "node.secret")
	cfg.Journal.Path = filepath.Join(base, "data", "journal.db")
	cfg.Feed.Path = filepath.Join(base, "data", "feed", "scores.jsonl")
	cfg.Logging.FilePath = filepath.Join(base, "logs", "argosd.log")
	cfg.IPC.SocketPath = filepath.Join(base, "run", "argosd.sock")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		cfg.Model.Dir,
		cfg.Corpus.Dir,
		filepath.Join(base, "data", "keys"),
		filepath.Join(base, "data", "feed"),
		filepath.Join(base, "logs"),
		filepath.Join(base, "run"),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("missing directory %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestLoaderReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[alerting]\nthreshold = 0.5\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(path)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if cfg.Alerting.Threshold != 0.5 {
		t.Fatalf("initial threshold = %v", cfg.Alerting.Threshold)
	}

	reloaded := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	if err := loader.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("[alerting]\nthreshold = 0.8\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Alerting.Threshold != 0.8 {
			t.Errorf("reloaded threshold = %v, want 0.8", c.Alerting.Threshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}

	if got := loader.Config().Alerting.Threshold; got != 0.8 {
		t.Errorf("Config() threshold = %v after reload", got)
	}
}

func TestLoaderKeepsConfigOnBrokenEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[alerting]\nthreshold = 0.5\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(path)
	defer loader.Close()

	if _, err := loader.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Threshold above 1 fails validation; the loader must keep the old
	// config and report on Errors.
	if err := os.WriteFile(path, []byte("[alerting]\nthreshold = 7.0\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case err := <-loader.Errors():
		if !strings.Contains(err.Error(), "alerting.threshold") {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("validation error never reported")
	}

	if got := loader.Config().Alerting.Threshold; got != 0.5 {
		t.Errorf("threshold = %v, want unchanged 0.5", got)
	}
}
