package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	touchpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "touchpoints_total",
			Help:      "Touchpoints accepted at the ingestion boundary, partitioned by event type.",
		},
		[]string{"event_type"},
	)

	rejectedTouchpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "touchpoints_rejected_total",
			Help:      "Malformed touchpoints rejected synchronously at ingestion.",
		},
	)

	mergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "journey_merges_total",
			Help:      "Identifier collisions resolved by merging journeys.",
		},
	)

	computeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "computations_total",
			Help:      "Attribution engine runs, partitioned by model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	computeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "attribution",
			Name:      "computation_seconds",
			Help:      "Attribution engine run latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "result_cache_lookups_total",
			Help:      "Attribution result cache lookups, partitioned by outcome (hit, stale, miss).",
		},
		[]string{"outcome"},
	)

	batchUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "batch_units_total",
			Help:      "Batch job units processed, partitioned by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
)

// Register attaches attribution collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		touchpointsTotal,
		rejectedTouchpointsTotal,
		mergesTotal,
		computeTotal,
		computeDurationSeconds,
		cacheLookupsTotal,
		batchUnitsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTouchpoint counts an accepted touchpoint.
func ObserveTouchpoint(eventType string) {
	touchpointsTotal.WithLabelValues(eventType).Inc()
}

// ObserveRejectedTouchpoint counts a synchronously rejected record.
func ObserveRejectedTouchpoint() {
	rejectedTouchpointsTotal.Inc()
}

// ObserveMerge counts a journey merge.
func ObserveMerge() {
	mergesTotal.Inc()
}

// ObserveComputation records an engine run duration and outcome.
func ObserveComputation(model string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	computeTotal.WithLabelValues(model, label).Inc()
	if duration < 0 {
		duration = 0
	}
	computeDurationSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup records a result cache outcome: "hit", "stale" or "miss".
func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatchUnit records one batch unit completion or failure.
func ObserveBatchUnit(job, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	batchUnitsTotal.WithLabelValues(job, label).Inc()
}
