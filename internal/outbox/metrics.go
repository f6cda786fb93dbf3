package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Outbox events published to Kafka, by event type.",
	}, []string{"event_type"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Outbox events whose topic write failed, by topic.",
	}, []string{"topic"})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Outbox events parked in the dead-letter queue, by topic.",
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devicesync",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time from claiming a batch to marking it published.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	claimedBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devicesync",
		Subsystem: "outbox",
		Name:      "batch_size",
		Help:      "Rows claimed per non-empty poll.",
		Buckets:   prometheus.LinearBuckets(1, 5, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, dlqCounter, batchDuration, claimedBatchSize)
}
