// Package config handles configuration loading, validation, and hot
// reloading for argosd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Node identifies this host in feeds and corpus files.
	Node NodeConfig `toml:"node" json:"node" yaml:"node"`

	// Capture configuration for the syscall event source.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Window configuration for time-based event grouping.
	Window WindowConfig `toml:"window" json:"window" yaml:"window"`

	// Features configuration for gram extraction.
	Features FeaturesConfig `toml:"features" json:"features" yaml:"features"`

	// Model configuration for trained artifacts.
	Model ModelConfig `toml:"model" json:"model" yaml:"model"`

	// Training configuration for the isolation forest.
	Training TrainingConfig `toml:"training" json:"training" yaml:"training"`

	// Filter configuration for score smoothing.
	Filter FilterConfig `toml:"filter" json:"filter" yaml:"filter"`

	// Alerting configuration for threshold decisions.
	Alerting AlertingConfig `toml:"alerting" json:"alerting" yaml:"alerting"`

	// Feed configuration for scored-window output.
	Feed FeedConfig `toml:"feed" json:"feed" yaml:"feed"`

	// Journal configuration for the SQLite score history.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Corpus configuration for capture recording.
	Corpus CorpusConfig `toml:"corpus" json:"corpus" yaml:"corpus"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// HTTP configuration for health and metrics endpoints.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Tracing configuration for OTLP export.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// NodeConfig identifies the monitored host.
type NodeConfig struct {
	// Name is the node label attached to every feed record and corpus
	// session. Defaults to the hostname.
	Name string `toml:"name" json:"name" yaml:"name"`

	// DataDir is the base directory for all daemon state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// CaptureConfig holds syscall capture configuration.
type CaptureConfig struct {
	// Source selects the event source: "tracefs" or "static".
	Source string `toml:"source" json:"source" yaml:"source"`

	// TracefsMount overrides the tracefs mountpoint. Empty selects
	// the first mounted tracefs instance.
	TracefsMount string `toml:"tracefs_mount" json:"tracefs_mount" yaml:"tracefs_mount"`

	// ExcludeSelf drops events produced by the daemon's own PID so the
	// detector does not learn its own behavior.
	ExcludeSelf bool `toml:"exclude_self" json:"exclude_self" yaml:"exclude_self"`

	// ChannelBuffer is the event channel capacity between the capture
	// source and the windowing engine.
	ChannelBuffer int `toml:"channel_buffer" json:"channel_buffer" yaml:"channel_buffer"`
}

// WindowConfig holds windowing configuration.
type WindowConfig struct {
	// DurationMs is the fixed window length in milliseconds.
	DurationMs int64 `toml:"duration_ms" json:"duration_ms" yaml:"duration_ms"`
}

// Duration returns the window length.
func (c WindowConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// FeaturesConfig holds feature extraction configuration.
type FeaturesConfig struct {
	// GramSize is the syscall n-gram length.
	GramSize int `toml:"gram_size" json:"gram_size" yaml:"gram_size"`
}

// ModelConfig holds model artifact configuration.
type ModelConfig struct {
	// Dir is the model artifact directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// ReloadOnChange hot-swaps the model when a retrained manifest
	// lands in Dir while the daemon is running.
	ReloadOnChange bool `toml:"reload_on_change" json:"reload_on_change" yaml:"reload_on_change"`
}

// TrainingConfig holds isolation forest training configuration.
type TrainingConfig struct {
	// Trees is the ensemble size.
	Trees int `toml:"trees" json:"trees" yaml:"trees"`

	// SampleSize is the per-tree subsample size.
	SampleSize int `toml:"sample_size" json:"sample_size" yaml:"sample_size"`

	// MaxDepth limits tree height. 0 derives the limit from the
	// sample size.
	MaxDepth int `toml:"max_depth" json:"max_depth" yaml:"max_depth"`

	// Seed feeds the training random source. Equal seeds and equal
	// corpora produce identical models.
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`
}

// FilterConfig holds score smoothing configuration.
type FilterConfig struct {
	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64 `toml:"alpha" json:"alpha" yaml:"alpha"`

	// Size is the spike suppression history length.
	Size int `toml:"size" json:"size" yaml:"size"`

	// Rank is which order statistic replaces a fresh spike, 1 being
	// the maximum.
	Rank int `toml:"rank" json:"rank" yaml:"rank"`
}

// AlertingConfig holds alerting configuration.
type AlertingConfig struct {
	// Threshold is the filtered-score level above which a window
	// alerts, in [0, 1].
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
}

// FeedConfig holds feed output configuration.
type FeedConfig struct {
	// Path is the JSONL feed file. Empty disables the file sink.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Stdout mirrors every record to standard output.
	Stdout bool `toml:"stdout" json:"stdout" yaml:"stdout"`
}

// JournalConfig holds score journal configuration.
type JournalConfig struct {
	// Enabled determines whether scored windows are persisted.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionHours is how long scored windows are kept. 0 disables
	// pruning.
	RetentionHours int `toml:"retention_hours" json:"retention_hours" yaml:"retention_hours"`
}

// CorpusConfig holds capture recording configuration.
type CorpusConfig struct {
	// Dir is the corpus file directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// SecretPath is the node secret used to key corpus HMACs.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// BatchSize is the number of events per corpus entry.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// FlushIntervalMs bounds how long a partial batch may sit
	// unwritten.
	FlushIntervalMs int64 `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`
}

// FlushInterval returns the batch flush interval.
func (c CorpusConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// Timeout returns the per-request timeout.
func (c IPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// HTTPConfig holds the health and metrics listener configuration.
type HTTPConfig struct {
	// Enabled determines whether the HTTP server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the listen address.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether rotated logs are gzipped.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// TracingConfig holds OTLP trace export configuration.
type TracingConfig struct {
	// Enabled determines whether spans are exported.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// SampleRatio is the fraction of traces to sample, in [0, 1].
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ArgosdDir()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "argosd"
	}

	return &Config{
		Version: Version,
		Node: NodeConfig{
			Name:    hostname,
			DataDir: dir,
		},
		Capture: CaptureConfig{
			Source:        "tracefs",
			TracefsMount:  "",
			ExcludeSelf:   true,
			ChannelBuffer: 4096,
		},
		Window: WindowConfig{
			DurationMs: 2000,
		},
		Features: FeaturesConfig{
			GramSize: 3,
		},
		Model: ModelConfig{
			Dir:            filepath.Join(dir, "model"),
			ReloadOnChange: true,
		},
		Training: TrainingConfig{
			Trees:      100,
			SampleSize: 256,
			MaxDepth:   0,
			Seed:       1,
		},
		Filter: FilterConfig{
			Alpha: 0.75,
			Size:  5,
			Rank:  2,
		},
		Alerting: AlertingConfig{
			Threshold: 0.6,
		},
		Feed: FeedConfig{
			Path:   filepath.Join(dir, "feed", "scores.jsonl"),
			Stdout: false,
		},
		Journal: JournalConfig{
			Enabled:        true,
			Path:           filepath.Join(dir, "journal.db"),
			RetentionHours: 168, // 1 week
		},
		Corpus: CorpusConfig{
			Dir:             filepath.Join(dir, "corpus"),
			SecretPath:      filepath.Join(dir, "keys", "node.secret"),
			BatchSize:       512,
			FlushIntervalMs: 1000,
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: defaultSocketPath(),
			TimeoutSec: 30,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9402",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(PlatformLogDir(), "argosd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			SampleRatio: 1.0,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ArgosdDir(), "config.toml")
}

// ArgosdDir returns the base argosd directory, honoring the
// ARGOSD_DATA_DIR environment override.
func ArgosdDir() string {
	if envDir := os.Getenv("ARGOSD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// LoadDotenv loads a .env file into the process environment before
// overrides are applied. A missing file is not an error.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the specified path. If the file does
// not exist, defaults are returned. TOML, JSON, and YAML are supported
// based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// decode parses config bytes into cfg based on the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config (unknown format): %w", err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides. Variables
// are prefixed with ARGOSD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ARGOSD_NODE_NAME"); v != "" {
		c.Node.Name = v
	}
	if v := os.Getenv("ARGOSD_MODEL_DIR"); v != "" {
		c.Model.Dir = v
	}
	if v := os.Getenv("ARGOSD_CORPUS_DIR"); v != "" {
		c.Corpus.Dir = v
	}
	if v := os.Getenv("ARGOSD_SECRET_PATH"); v != "" {
		c.Corpus.SecretPath = v
	}
	if v := os.Getenv("ARGOSD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("ARGOSD_FEED_PATH"); v != "" {
		c.Feed.Path = v
	}
	if v := os.Getenv("ARGOSD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("ARGOSD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("ARGOSD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ARGOSD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("ARGOSD_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("ARGOSD_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			c.Alerting.Threshold = threshold
		}
	}
	if v := os.Getenv("ARGOSD_TRAINING_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Training.Seed = seed
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes under.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Node.DataDir,
		c.Model.Dir,
		c.Corpus.Dir,
		filepath.Dir(c.Corpus.SecretPath),
		filepath.Dir(c.Journal.Path),
		filepath.Dir(c.Feed.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
