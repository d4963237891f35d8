package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "events_committed_total",
		Help:      "Events durably committed to the event log",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "events_dropped_total",
		Help:      "Non-critical events dropped under backlog pressure",
	})

	eventsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "events_coalesced_total",
		Help:      "Metric samples folded into a newer sample under backlog pressure",
	})

	commitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "commit_retries_total",
		Help:      "Batch commit attempts that failed and were retried",
	})

	sessionsDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "sessions_degraded_total",
		Help:      "Sessions marked degraded after exhausting commit retries",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "framelog",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Events waiting in the pipeline queue",
	})
)
