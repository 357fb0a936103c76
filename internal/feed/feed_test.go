package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"argosd/internal/journal"
)

func sampleRecord(startNs int64, alert bool) *Record {
	return &Record{
		Node:          "node-a",
		WindowStartNs: startNs,
		WindowEndNs:   startNs + 2_000_000_000,
		Events:        12,
		Score:         0.71,
		FilteredScore: 0.65,
		Threshold:     0.6,
		Alert:         alert,
	}
}

func TestFileSinkAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed", "scores.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := sink.Emit(sampleRecord(1000, false)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must append, not truncate.
	sink, err = NewFileSink(path)
	if err != nil {
		t.Fatalf("reopen sink: %v", err)
	}
	if err := sink.Emit(sampleRecord(3000, true)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	sink.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open feed file: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan feed file: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].WindowStartNs != 1000 || records[1].WindowStartNs != 3000 {
		t.Errorf("record order wrong: %d, %d", records[0].WindowStartNs, records[1].WindowStartNs)
	}
	if !records[1].Alert {
		t.Error("alert flag lost on round trip")
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	if err := sink.Emit(sampleRecord(1000, true)); err != nil {
		t.Fatalf("emit: %v", err)
	}

	var rec Record
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Node != "node-a" || rec.Score != 0.71 {
		t.Errorf("record = %+v", rec)
	}
	if buf.Bytes()[buf.Len()-1] != '\n' {
		t.Error("record not newline-terminated")
	}
}

func TestJournalSink(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	sink := NewJournalSink(j)
	if err := sink.Emit(sampleRecord(5000, true)); err != nil {
		t.Fatalf("emit: %v", err)
	}

	rows, err := j.RecentScores(1)
	if err != nil {
		t.Fatalf("recent scores: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].WindowStartNs != 5000 || !rows[0].Alert || rows[0].FilteredScore != 0.65 {
		t.Errorf("journal row = %+v", rows[0])
	}
}

type failingSink struct{ calls int }

func (s *failingSink) Emit(*Record) error { s.calls++; return errors.New("sink down") }
func (s *failingSink) Close() error       { return nil }

func TestMultiSinkDeliversPastFailure(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingSink{}
	multi := NewMultiSink(bad, NewWriterSink(&buf))

	err := multi.Emit(sampleRecord(1000, false))
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if bad.calls != 1 {
		t.Errorf("failing sink called %d times", bad.calls)
	}
	if buf.Len() == 0 {
		t.Error("healthy sink skipped after failure")
	}
}
