package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/event"
)

// MigrateFunc rewrites a payload from one version to the next.
type MigrateFunc func(payload []byte) ([]byte, error)

// Definition declares the version history of one document kind.
type Definition struct {
	// Kind names the document family.
	Kind Kind
	// Current is the version new writers must produce.
	Current int
	// Decode maps each supported version to a payload prototype factory.
	Decode map[int]func() any
	// Migrate maps a version to the function producing the next version.
	// Every supported version below Current needs a migration step.
	Migrate map[int]MigrateFunc
}

// Registry holds the registered schemas for all persisted document kinds.
type Registry struct {
	validate *validator.Validate
	defs     map[Kind]Definition
}

// NewRegistry builds a registry with all built-in document schemas.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		defs:     make(map[Kind]Definition),
	}
	for _, def := range builtinDefinitions() {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a document definition.
func (r *Registry) Register(def Definition) error {
	if def.Kind == "" {
		return fmt.Errorf("schema kind is required")
	}
	if _, exists := r.defs[def.Kind]; exists {
		return fmt.Errorf("register %s: %w", def.Kind, ErrAlreadyRegistered)
	}
	if def.Current <= 0 {
		return fmt.Errorf("register %s: current version must be positive", def.Kind)
	}
	if _, ok := def.Decode[def.Current]; !ok {
		return fmt.Errorf("register %s: current version v%d has no decoder", def.Kind, def.Current)
	}
	for version := range def.Decode {
		if version < def.Current {
			if _, ok := def.Migrate[version]; !ok {
				return fmt.Errorf("register %s: supported version v%d has no migration", def.Kind, version)
			}
		}
	}
	r.defs[def.Kind] = def
	return nil
}

// CurrentVersion returns the version new writers must use for a kind.
func (r *Registry) CurrentVersion(kind Kind) (int, bool) {
	def, ok := r.defs[kind]
	if !ok {
		return 0, false
	}
	return def.Current, true
}

// Validate checks a payload against the schema registered for its declared
// version. Unknown kinds and versions fail closed.
func (r *Registry) Validate(kind Kind, version int, payload []byte) (Result, error) {
	def, ok := r.defs[kind]
	if !ok {
		return Result{}, &Error{Kind: kind, Version: version, Err: ErrUnknownKind}
	}
	factory, ok := def.Decode[version]
	if !ok {
		return Result{}, &Error{Kind: kind, Version: version, Err: ErrUnknownVersion}
	}

	target := factory()
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return Result{}, &Error{Kind: kind, Version: version, Err: fmt.Errorf("decode payload: %w", err)}
	}
	if err := r.validate.Struct(target); err != nil {
		return Result{}, &Error{Kind: kind, Version: version, Err: fmt.Errorf("validate payload: %w", err)}
	}

	return Result{Version: version, NeedsMigration: version < def.Current}, nil
}

// MigrateToCurrent rewrites an older supported payload up to the current
// version, one step at a time. Payloads already at the current version pass
// through unchanged.
func (r *Registry) MigrateToCurrent(kind Kind, version int, payload []byte) ([]byte, int, error) {
	def, ok := r.defs[kind]
	if !ok {
		return nil, 0, &Error{Kind: kind, Version: version, Err: ErrUnknownKind}
	}
	if _, supported := def.Decode[version]; !supported {
		return nil, 0, &Error{Kind: kind, Version: version, Err: ErrUnknownVersion}
	}

	for version < def.Current {
		step, ok := def.Migrate[version]
		if !ok {
			return nil, 0, &Error{Kind: kind, Version: version, Err: fmt.Errorf("no migration from v%d", version)}
		}
		migrated, err := step(payload)
		if err != nil {
			return nil, 0, &Error{Kind: kind, Version: version, Err: fmt.Errorf("migrate to v%d: %w", version+1, err)}
		}
		payload = migrated
		version++
	}
	return payload, version, nil
}

// metricUpdateV1 is the retired metric.update payload without the smoothed
// field.
type metricUpdateV1 struct {
	Cycle            uint64  `json:"cycle"`
	Value            float64 `json:"value"`
	Accumulator      float64 `json:"accumulator" validate:"gte=0"`
	ThresholdCrossed bool    `json:"threshold_crossed"`
	Coalesced        int     `json:"coalesced,omitempty" validate:"gte=0"`
}

// snapshotV1 is the retired snapshot document that named the running total
// "total".
type snapshotV1 struct {
	Cycle            uint64       `json:"cycle"`
	Value            float64      `json:"value"`
	Total            float64      `json:"total" validate:"gte=0"`
	Smoothed         float64      `json:"smoothed"`
	ThresholdCrossed bool         `json:"threshold_crossed"`
	Config           frame.Config `json:"config" validate:"required"`
}

// ProfileDocument is the portable user profile document.
type ProfileDocument struct {
	UnlockTier    int               `json:"unlock_tier" validate:"gte=0"`
	LifetimeTotal float64           `json:"lifetime_total" validate:"gte=0"`
	SessionCount  int               `json:"session_count" validate:"gte=0"`
	Preferences   map[string]string `json:"preferences"`
}

func builtinDefinitions() []Definition {
	return []Definition{
		{
			Kind:    KindMetricUpdate,
			Current: 2,
			Decode: map[int]func() any{
				1: func() any { return &metricUpdateV1{} },
				2: func() any { return &event.MetricUpdatePayload{} },
			},
			Migrate: map[int]MigrateFunc{
				1: migrateMetricUpdateV1,
			},
		},
		{
			Kind:    KindUserAction,
			Current: 1,
			Decode: map[int]func() any{
				1: func() any { return &event.UserActionPayload{} },
			},
		},
		{
			Kind:    KindLifecycle,
			Current: 1,
			Decode: map[int]func() any{
				1: func() any { return &event.LifecyclePayload{} },
			},
		},
		{
			Kind:    KindError,
			Current: 1,
			Decode: map[int]func() any{
				1: func() any { return &event.ErrorPayload{} },
			},
		},
		{
			Kind:    KindSnapshot,
			Current: 2,
			Decode: map[int]func() any{
				1: func() any { return &snapshotV1{} },
				2: func() any { return &frame.Document{} },
			},
			Migrate: map[int]MigrateFunc{
				1: migrateSnapshotV1,
			},
		},
		{
			Kind:    KindProfile,
			Current: 1,
			Decode: map[int]func() any{
				1: func() any { return &ProfileDocument{} },
			},
		},
	}
}

// migrateMetricUpdateV1 backfills the smoothed field from the raw value.
func migrateMetricUpdateV1(payload []byte) ([]byte, error) {
	var v1 metricUpdateV1
	if err := json.Unmarshal(payload, &v1); err != nil {
		return nil, err
	}
	return json.Marshal(event.MetricUpdatePayload{
		Cycle:            v1.Cycle,
		Value:            v1.Value,
		Accumulator:      v1.Accumulator,
		Smoothed:         v1.Value,
		ThresholdCrossed: v1.ThresholdCrossed,
		Coalesced:        v1.Coalesced,
	})
}

// migrateSnapshotV1 renames total to accumulator.
func migrateSnapshotV1(payload []byte) ([]byte, error) {
	var v1 snapshotV1
	if err := json.Unmarshal(payload, &v1); err != nil {
		return nil, err
	}
	return json.Marshal(frame.Document{
		Cycle:            v1.Cycle,
		Value:            v1.Value,
		Accumulator:      v1.Total,
		Smoothed:         v1.Smoothed,
		ThresholdCrossed: v1.ThresholdCrossed,
		Config:           v1.Config,
	})
}
