package outbox

import "github.com/prometheus/client_golang/prometheus"

// DLQ transitions recorded by the DLQ manager.
const (
	dlqRequeued    = "requeued"
	dlqRescheduled = "rescheduled"
	dlqQuarantined = "quarantined"
)

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Streak events published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Streak event deliveries that failed and were left for retry or parking.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streak_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering, and settling one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Streak events parked in outbox_dlq, by topic.",
	}, []string{"topic"})

	dlqTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "dlq",
		Name:      "transitions_total",
		Help:      "DLQ entries requeued, rescheduled after a failed requeue, or quarantined.",
	}, []string{"action", "event_type"})

	dlqBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streak_service",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries currently held in outbox_dlq, by state (pending, quarantined).",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, dlqCounter, dlqTransitions, dlqBacklog)
}

func recordDLQTransition(action string, entry dlqEntry) {
	dlqTransitions.WithLabelValues(action, entry.EventType).Inc()
}
