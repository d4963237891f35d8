package frame

// Document is the schema-versioned snapshot payload: the authoritative frame
// state plus the transition configuration needed to resume or replay it.
//
// Version history: v1 named the running total "total"; v2 is current.
type Document struct {
	Cycle            uint64  `json:"cycle"`
	Value            float64 `json:"value"`
	Accumulator      float64 `json:"accumulator" validate:"gte=0"`
	Smoothed         float64 `json:"smoothed"`
	ThresholdCrossed bool    `json:"threshold_crossed"`
	Config           Config  `json:"config" validate:"required"`
}

// Capture builds a snapshot document from live state.
func Capture(state State, cfg Config) Document {
	return Document{
		Cycle:            state.Cycle,
		Value:            state.Value,
		Accumulator:      state.Accumulator,
		Smoothed:         state.Smoothed,
		ThresholdCrossed: state.ThresholdCrossed,
		Config:           cfg,
	}
}

// State extracts the frame state held by the document.
func (d Document) State() State {
	return State{
		Cycle:            d.Cycle,
		Value:            d.Value,
		Accumulator:      d.Accumulator,
		Smoothed:         d.Smoothed,
		ThresholdCrossed: d.ThresholdCrossed,
	}
}
