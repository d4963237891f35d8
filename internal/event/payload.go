package event

// Lifecycle kinds carried by TypeLifecycle payloads.
const (
	// LifecycleSessionStarted marks the start of a session.
	LifecycleSessionStarted = "session.started"
	// LifecycleSessionEnded marks the clean end of a session.
	LifecycleSessionEnded = "session.ended"
	// LifecycleSessionRecovered marks a session closed by crash recovery.
	LifecycleSessionRecovered = "session.recovered"
	// LifecyclePipelineDegraded marks entry into degraded logging.
	LifecyclePipelineDegraded = "pipeline.degraded"
	// LifecycleFlushIncomplete marks a session end that exceeded the flush timeout.
	LifecycleFlushIncomplete = "flush.incomplete"
)

// MetricUpdatePayload is the schema-versioned payload for metric.update events.
//
// Version history: v1 lacked the smoothed field; v2 is current.
type MetricUpdatePayload struct {
	// Cycle is the producer cycle that generated this sample.
	Cycle uint64 `json:"cycle"`
	// Value is the instantaneous metric value for the cycle.
	Value float64 `json:"value"`
	// Accumulator is the running session total after this cycle.
	Accumulator float64 `json:"accumulator" validate:"gte=0"`
	// Smoothed is the filtered metric value after this cycle.
	Smoothed float64 `json:"smoothed"`
	// ThresholdCrossed reports whether the significance threshold was crossed.
	ThresholdCrossed bool `json:"threshold_crossed"`
	// Coalesced counts extra samples folded into this one under backlog pressure.
	Coalesced int `json:"coalesced,omitempty" validate:"gte=0"`
}

// UserActionPayload is the payload for user.action events.
type UserActionPayload struct {
	// Action names the user action taken.
	Action string `json:"action" validate:"required"`
	// Detail carries small structured metadata about the action.
	Detail map[string]string `json:"detail,omitempty"`
	// Content holds raw user content. Empty unless full-content logging was
	// explicitly opted into; default persistence is metadata-only.
	Content string `json:"content,omitempty"`
}

// LifecyclePayload is the payload for system.lifecycle events.
type LifecyclePayload struct {
	// Kind is the lifecycle transition recorded.
	Kind string `json:"kind" validate:"required,oneof=session.started session.ended session.recovered pipeline.degraded flush.incomplete"`
	// Detail is a human-readable description for UI rendering.
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload is the payload for system.error events.
type ErrorPayload struct {
	// Code is a stable machine-readable error code.
	Code string `json:"code" validate:"required"`
	// Message describes the failure.
	Message string `json:"message" validate:"required"`
}
