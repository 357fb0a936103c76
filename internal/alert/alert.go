// Package alert evaluates window scores against the alert threshold.
package alert

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Decision is the outcome of evaluating one window's filtered score.
// It captures the threshold in force at evaluation time; later
// threshold changes do not alter decisions already made.
type Decision struct {
	Score     float64
	Threshold float64
	Alert     bool
}

// Evaluator performs the stateless threshold comparison. The threshold
// itself is mutable (IPC set, config hot-reload) and read atomically,
// so Evaluate is safe to call concurrently with SetThreshold.
type Evaluator struct {
	threshold atomic.Uint64
}

// NewEvaluator builds an Evaluator with the starting threshold.
func NewEvaluator(threshold float64) (*Evaluator, error) {
	e := &Evaluator{}
	if err := e.SetThreshold(threshold); err != nil {
		return nil, err
	}
	return e, nil
}

// Threshold returns the current threshold.
func (e *Evaluator) Threshold() float64 {
	return math.Float64frombits(e.threshold.Load())
}

// SetThreshold replaces the threshold for subsequent evaluations.
func (e *Evaluator) SetThreshold(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("alert: threshold %g outside [0,1]", v)
	}
	e.threshold.Store(math.Float64bits(v))
	return nil
}

// Evaluate compares a score against the current threshold. An alert
// fires on a strict crossing (score > threshold).
func (e *Evaluator) Evaluate(score float64) Decision {
	th := e.Threshold()
	return Decision{Score: score, Threshold: th, Alert: score > th}
}
