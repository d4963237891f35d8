package frame

import (
	"fmt"
	"math"
)

// ValidationError reports malformed cycle input. Prior state is preserved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid cycle input: %s %s", e.Field, e.Reason)
}

// Manager owns the live frame state for one session.
//
// Not safe for concurrent use; the engine enforces a single producer per
// session.
type Manager struct {
	cfg   Config
	state State
}

// NewManager creates a manager with zeroed state.
func NewManager(cfg Config) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Restore creates a manager seeded with recovered state.
func Restore(cfg Config, state State) (*Manager, error) {
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	m.state = state
	return m, nil
}

// Advance applies one cycle of input and returns the new state.
//
// On malformed input the manager fails fast and leaves prior state unchanged.
func (m *Manager) Advance(input CycleInput) (State, error) {
	if input.Delta < 0 {
		return State{}, &ValidationError{Field: "delta", Reason: "must be non-negative"}
	}
	if math.IsNaN(input.Delta) {
		return State{}, &ValidationError{Field: "delta", Reason: "must not be NaN"}
	}
	if math.IsInf(input.Delta, 0) {
		return State{}, &ValidationError{Field: "delta", Reason: "must be finite"}
	}

	m.state = Apply(m.state, input, m.cfg)
	return m.state, nil
}

// State returns the current frame state.
func (m *Manager) State() State {
	return m.state
}

// Config returns the manager's transition configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// ShouldEmit reports whether the given post-Advance state warrants a
// candidate event: threshold crossings, forced samples, and every Nth cycle.
func (m *Manager) ShouldEmit(state State, input CycleInput) bool {
	if state.ThresholdCrossed || input.ForceSample {
		return true
	}
	return state.Cycle%uint64(m.cfg.SampleEveryN) == 0
}

func validateConfig(cfg Config) error {
	if cfg.CadenceHz <= 0 || cfg.CadenceHz > 240 {
		return fmt.Errorf("cadence must be within (0, 240] Hz, got %d", cfg.CadenceHz)
	}
	if cfg.SignificanceThreshold < 0 {
		return fmt.Errorf("significance threshold must be non-negative")
	}
	if cfg.SampleEveryN <= 0 {
		return fmt.Errorf("sample interval must be positive")
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing alpha must be within (0, 1]")
	}
	return nil
}
