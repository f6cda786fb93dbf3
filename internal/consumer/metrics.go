package consumer

import "github.com/prometheus/client_golang/prometheus"

// Message results.
const (
	resultProcessed = "processed"
	resultMalformed = "malformed"
	resultRetry     = "retry"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka messages seen by the consumer, by result. Retried messages are left uncommitted.",
	}, []string{"topic", "event_type", "result"})

	intakeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "consumer",
		Name:      "intake_records_total",
		Help:      "Intake events applied to the intake store; duplicates are redeliveries.",
	}, []string{"result"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devicesync",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, intakeCounter, lastMessageGauge)
}

func recordResult(topic, eventType, result string) {
	messagesCounter.WithLabelValues(topic, eventType, result).Inc()
}

func recordProcessed(msg Message) {
	recordResult(msg.Topic, msg.EventType, resultProcessed)
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordIntake(inserted bool) {
	if inserted {
		intakeCounter.WithLabelValues("inserted").Inc()
		return
	}
	intakeCounter.WithLabelValues("duplicate").Inc()
}
