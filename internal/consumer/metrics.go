package consumer

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Consumed Kafka messages by topic, event type, and result (processed, handler_error, malformed).",
	}, []string{"topic", "event_type", "result"})

	completionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streak_service",
		Subsystem: "consumer",
		Name:      "completions_total",
		Help:      "Completion events raised from consumed log events, by source event type and outcome.",
	}, []string{"event_type", "outcome"})

	lastProcessedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streak_service",
		Subsystem: "consumer",
		Name:      "last_processed_timestamp_seconds",
		Help:      "Produce time of the most recent message committed per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, completionCounter, lastProcessedGauge)
}

func recordProcessed(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, "processed").Inc()
	if !msg.Timestamp.IsZero() {
		lastProcessedGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, "handler_error").Inc()
}

// recordMalformed counts a committed poison pill. eventType is empty when the frame itself was unreadable.
func recordMalformed(topic, eventType string) {
	messagesCounter.WithLabelValues(topic, eventType, "malformed").Inc()
}

func recordCompletion(eventType, outcome string) {
	completionCounter.WithLabelValues(eventType, outcome).Inc()
}
