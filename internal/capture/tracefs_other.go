//go:build !linux

package capture

import (
	"context"
	"errors"
)

// ErrUnsupported reports that live kernel capture is not available on
// this platform. Offline work (replay, training, scoring) still is.
var ErrUnsupported = errors.New("capture: tracefs requires linux")

// Tracefs is the live kernel capture source, implemented on Linux only.
type Tracefs struct{}

// NewTracefs fails on non-Linux platforms.
func NewTracefs(mount string, excludeSelf bool) (*Tracefs, error) {
	return nil, ErrUnsupported
}

// Name implements Source.
func (t *Tracefs) Name() string { return "tracefs" }

// Run implements Source.
func (t *Tracefs) Run(ctx context.Context, out chan<- Event) error {
	return ErrUnsupported
}
