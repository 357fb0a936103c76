package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabledReturnsNoopCloser(t *testing.T) {
	closer, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if closer == nil {
		t.Fatal("expected a closer even when disabled")
	}
	if err := closer(context.Background()); err != nil {
		t.Fatalf("closer: %v", err)
	}
}

func TestStartBeforeInitIsUsable(t *testing.T) {
	ctx, span := Start(context.Background(), "pipeline.window")
	if span == nil {
		t.Fatal("expected a span")
	}
	span.End()

	// Recording an error against the context must not panic either.
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
}
