// Package feed publishes scored windows to downstream consumers. Every
// processed window becomes one Record, fanned out to the configured
// sinks: a JSONL file for log shippers, stdout for interactive runs,
// and the journal for local queries.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"argosd/internal/journal"
)

// Record is one scored window as published to sinks.
type Record struct {
	Node          string  `json:"node"`
	WindowStartNs int64   `json:"window_start_ns"`
	WindowEndNs   int64   `json:"window_end_ns"`
	Events        int     `json:"events"`
	Score         float64 `json:"score"`
	FilteredScore float64 `json:"filtered_score"`
	Threshold     float64 `json:"threshold"`
	Alert         bool    `json:"alert"`
}

// Sink consumes scored windows. Emit must be safe for sequential use;
// the pipeline calls it from a single goroutine.
type Sink interface {
	Emit(rec *Record) error
	Close() error
}

// FileSink appends records to a JSONL file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens or creates the feed file for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create feed directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open feed file: %w", err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *FileSink) Emit(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write feed record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// WriterSink writes records to an io.Writer, one JSON line each.
// Closing it does not close the underlying writer.
type WriterSink struct {
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Emit(rec *Record) error { return s.enc.Encode(rec) }

func (s *WriterSink) Close() error { return nil }

// JournalSink persists records to the journal.
type JournalSink struct {
	journal *journal.Journal
}

func NewJournalSink(j *journal.Journal) *JournalSink {
	return &JournalSink{journal: j}
}

func (s *JournalSink) Emit(rec *Record) error {
	_, err := s.journal.InsertScore(&journal.ScoreRow{
		Node:          rec.Node,
		WindowStartNs: rec.WindowStartNs,
		WindowEndNs:   rec.WindowEndNs,
		Events:        int64(rec.Events),
		Score:         rec.Score,
		FilteredScore: rec.FilteredScore,
		Threshold:     rec.Threshold,
		Alert:         rec.Alert,
	})
	return err
}

// Close is a no-op; the journal's lifecycle belongs to its owner.
func (s *JournalSink) Close() error { return nil }

// MultiSink fans records out to several sinks. A failing sink does not
// stop delivery to the rest; errors are joined.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(rec *Record) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Emit(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MultiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
