// Package config handles configuration loading and validation for argosd.
package config

import (
	"fmt"
	"math"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateNode(&c.Node)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateWindow(&c.Window)...)
	errs = append(errs, validateFeatures(&c.Features)...)
	errs = append(errs, validateTraining(&c.Training)...)
	errs = append(errs, validateFilter(&c.Filter)...)
	errs = append(errs, validateAlerting(&c.Alerting)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateCorpus(&c.Corpus)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateTracing(&c.Tracing)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateNode(c *NodeConfig) []ValidationError {
	var errs []ValidationError
	if c.Name == "" {
		errs = append(errs, ValidationError{Field: "node.name", Message: "must not be empty"})
	}
	if c.DataDir == "" {
		errs = append(errs, ValidationError{Field: "node.data_dir", Message: "must not be empty"})
	}
	return errs
}

func validateCapture(c *CaptureConfig) []ValidationError {
	var errs []ValidationError
	switch c.Source {
	case "tracefs", "static":
	default:
		errs = append(errs, ValidationError{
			Field:   "capture.source",
			Message: fmt.Sprintf("unknown source %q (want tracefs or static)", c.Source),
		})
	}
	if c.ChannelBuffer < 1 {
		errs = append(errs, ValidationError{Field: "capture.channel_buffer", Message: "must be at least 1"})
	}
	return errs
}

func validateWindow(c *WindowConfig) []ValidationError {
	var errs []ValidationError
	if c.DurationMs < 1 {
		errs = append(errs, ValidationError{Field: "window.duration_ms", Message: "must be positive"})
	}
	return errs
}

func validateFeatures(c *FeaturesConfig) []ValidationError {
	var errs []ValidationError
	if c.GramSize < 1 || c.GramSize > 16 {
		errs = append(errs, ValidationError{
			Field:   "features.gram_size",
			Message: fmt.Sprintf("must be in [1, 16], got %d", c.GramSize),
		})
	}
	return errs
}

func validateTraining(c *TrainingConfig) []ValidationError {
	var errs []ValidationError
	if c.Trees < 1 {
		errs = append(errs, ValidationError{Field: "training.trees", Message: "must be at least 1"})
	}
	if c.SampleSize < 2 {
		errs = append(errs, ValidationError{Field: "training.sample_size", Message: "must be at least 2"})
	}
	if c.MaxDepth < 0 {
		errs = append(errs, ValidationError{Field: "training.max_depth", Message: "must not be negative"})
	}
	return errs
}

func validateFilter(c *FilterConfig) []ValidationError {
	var errs []ValidationError
	if c.Alpha <= 0 || c.Alpha > 1 || math.IsNaN(c.Alpha) {
		errs = append(errs, ValidationError{
			Field:   "filter.alpha",
			Message: fmt.Sprintf("must be in (0, 1], got %v", c.Alpha),
		})
	}
	if c.Size < 1 {
		errs = append(errs, ValidationError{Field: "filter.size", Message: "must be at least 1"})
	}
	if c.Rank < 1 || c.Rank > c.Size {
		errs = append(errs, ValidationError{
			Field:   "filter.rank",
			Message: fmt.Sprintf("must be in [1, size], got %d with size %d", c.Rank, c.Size),
		})
	}
	return errs
}

func validateAlerting(c *AlertingConfig) []ValidationError {
	var errs []ValidationError
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "alerting.threshold",
			Message: fmt.Sprintf("must be in [0, 1], got %v", c.Threshold),
		})
	}
	return errs
}

func validateJournal(c *JournalConfig) []ValidationError {
	var errs []ValidationError
	if c.Enabled && c.Path == "" {
		errs = append(errs, ValidationError{Field: "journal.path", Message: "must not be empty when enabled"})
	}
	if c.RetentionHours < 0 {
		errs = append(errs, ValidationError{Field: "journal.retention_hours", Message: "must not be negative"})
	}
	return errs
}

func validateCorpus(c *CorpusConfig) []ValidationError {
	var errs []ValidationError
	if c.Dir == "" {
		errs = append(errs, ValidationError{Field: "corpus.dir", Message: "must not be empty"})
	}
	if c.SecretPath == "" {
		errs = append(errs, ValidationError{Field: "corpus.secret_path", Message: "must not be empty"})
	}
	if c.BatchSize < 1 {
		errs = append(errs, ValidationError{Field: "corpus.batch_size", Message: "must be at least 1"})
	}
	if c.FlushIntervalMs < 1 {
		errs = append(errs, ValidationError{Field: "corpus.flush_interval_ms", Message: "must be positive"})
	}
	return errs
}

func validateIPC(c *IPCConfig) []ValidationError {
	var errs []ValidationError
	if c.Enabled && c.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "must not be empty when enabled"})
	}
	if c.TimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "ipc.timeout_sec", Message: "must be at least 1"})
	}
	return errs
}

func validateHTTP(c *HTTPConfig) []ValidationError {
	var errs []ValidationError
	if !c.Enabled {
		return errs
	}
	if c.Addr == "" {
		errs = append(errs, ValidationError{Field: "http.addr", Message: "must not be empty when enabled"})
		return errs
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "http.addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", c.Addr, err),
		})
	}
	return errs
}

func validateLogging(c *LoggingConfig) []ValidationError {
	var errs []ValidationError

	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Level),
		})
	}

	switch c.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", c.Format),
		})
	}

	switch c.Output {
	case "stdout", "stderr":
	case "file":
		if c.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "must not be empty for file output"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", c.Output),
		})
	}

	if c.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "must be at least 1"})
	}
	if c.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "must not be negative"})
	}

	return errs
}

func validateTracing(c *TracingConfig) []ValidationError {
	var errs []ValidationError
	if !c.Enabled {
		return errs
	}
	if c.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "tracing.endpoint", Message: "must not be empty when enabled"})
	}
	if math.IsNaN(c.SampleRatio) || c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: fmt.Sprintf("must be in [0, 1], got %v", c.SampleRatio),
		})
	}
	return errs
}
