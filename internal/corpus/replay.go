package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"argosd/internal/capture"
)

// ReplaySource replays recorded corpus files as a capture source.
// Events are emitted in file order with their recorded timestamps, so
// replayed captures window exactly as the live stream did. Training
// and offline scoring both run on top of it.
type ReplaySource struct {
	paths  []string
	secret []byte
}

// NewReplaySource creates a source over one or more corpus files.
func NewReplaySource(paths []string, secret []byte) *ReplaySource {
	return &ReplaySource{paths: paths, secret: secret}
}

// Name identifies the source.
func (s *ReplaySource) Name() string { return "replay" }

// Run emits every recorded event, verifying each file as it is read.
func (s *ReplaySource) Run(ctx context.Context, out chan<- capture.Event) error {
	for _, path := range s.paths {
		events, err := ReadEvents(path, s.secret)
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- ev:
			}
		}
	}
	return nil
}

// ReadEvents reads all events from a corpus file in recorded order,
// verifying integrity along the way.
func ReadEvents(path string, secret []byte) ([]capture.Event, error) {
	reader, err := OpenReader(path, secret)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries, err := reader.Entries()
	if err != nil {
		return nil, err
	}

	var events []capture.Event
	for _, entry := range entries {
		if entry.Type != EntryEventBatch {
			continue
		}
		var batch EventBatchPayload
		if err := json.Unmarshal(entry.Payload, &batch); err != nil {
			return nil, fmt.Errorf("entry %d: decode event batch: %w", entry.Sequence, err)
		}
		if len(batch.Timestamps) != len(batch.Syscalls) {
			return nil, fmt.Errorf("entry %d: event batch arrays disagree: %d timestamps, %d syscalls",
				entry.Sequence, len(batch.Timestamps), len(batch.Syscalls))
		}
		for i := range batch.Syscalls {
			events = append(events, capture.Event{
				Timestamp: time.Unix(0, batch.Timestamps[i]),
				Syscall:   batch.Syscalls[i],
			})
		}
	}
	return events, nil
}
