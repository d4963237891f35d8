package frame

import (
	"github.com/framelog/framelog/internal/event"
)

// Config tunes the per-cycle transition and the sampling policy.
type Config struct {
	// CadenceHz is the target producer cadence in cycles per second.
	CadenceHz int `json:"cadence_hz" validate:"gt=0,lte=240"`
	// SignificanceThreshold gates emission of threshold-crossing events.
	SignificanceThreshold float64 `json:"significance_threshold" validate:"gte=0"`
	// SampleEveryN emits a periodic sample every Nth cycle.
	SampleEveryN int `json:"sample_every_n" validate:"gt=0"`
	// SmoothingAlpha is the EWMA coefficient applied to the metric value.
	SmoothingAlpha float64 `json:"smoothing_alpha" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the stock 60 Hz configuration.
func DefaultConfig() Config {
	return Config{
		CadenceHz:             60,
		SignificanceThreshold: 10,
		SampleEveryN:          30,
		SmoothingAlpha:        0.2,
	}
}

// CycleInput carries the per-cycle metric delta and instantaneous flags.
type CycleInput struct {
	// Delta is the non-negative metric increment for this cycle.
	Delta float64
	// ForceSample requests emission of this cycle regardless of policy.
	ForceSample bool
}

// State is the ephemeral authoritative frame state.
type State struct {
	// Cycle is the current cycle id (starts at 1 on the first Advance).
	Cycle uint64
	// Value is the instantaneous metric value for this cycle.
	Value float64
	// Accumulator is the running session total.
	Accumulator float64
	// Smoothed is the EWMA-filtered metric value.
	Smoothed float64
	// ThresholdCrossed reports whether the significance threshold was crossed
	// upward on this cycle.
	ThresholdCrossed bool
}

// Payload maps the state into the persisted metric.update document.
func (s State) Payload() event.MetricUpdatePayload {
	return event.MetricUpdatePayload{
		Cycle:            s.Cycle,
		Value:            s.Value,
		Accumulator:      s.Accumulator,
		Smoothed:         s.Smoothed,
		ThresholdCrossed: s.ThresholdCrossed,
	}
}

// FoldSample folds a committed metric.update payload back into frame state.
//
// Samples carry the full frame state at their cycle, so replay restores state
// from the most recent committed sample without re-running skipped cycles.
func FoldSample(p event.MetricUpdatePayload) State {
	return State{
		Cycle:            p.Cycle,
		Value:            p.Value,
		Accumulator:      p.Accumulator,
		Smoothed:         p.Smoothed,
		ThresholdCrossed: p.ThresholdCrossed,
	}
}

// Apply is the pure per-cycle transition.
//
// Floating-point operations run in a fixed order so that identical inputs
// always produce bit-identical state.
func Apply(state State, input CycleInput, cfg Config) State {
	next := state
	next.Cycle = state.Cycle + 1
	next.Value = input.Delta
	next.Accumulator = state.Accumulator + input.Delta
	if state.Cycle == 0 {
		next.Smoothed = input.Delta
	} else {
		next.Smoothed = state.Smoothed + cfg.SmoothingAlpha*(input.Delta-state.Smoothed)
	}
	next.ThresholdCrossed = state.Smoothed < cfg.SignificanceThreshold &&
		next.Smoothed >= cfg.SignificanceThreshold
	return next
}
