// Package observability holds the Prometheus collectors shared across sync components.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMergeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devicesync",
		Subsystem: "ledger",
		Name:      "last_merge_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity record merged into the ledger.",
	})

	// MergesTotal counts ledger merges by result (merged, failed).
	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "ledger",
		Name:      "merges_total",
		Help:      "Number of activity payload merges, labeled by result.",
	}, []string{"result"})

	// DeviceSyncsTotal counts per-device sync attempts by device type and result.
	DeviceSyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "sync",
		Name:      "device_syncs_total",
		Help:      "Number of device sync attempts, labeled by device type and result.",
	}, []string{"device_type", "result"})

	// BackfillDaysTotal counts initial backfill days by result.
	BackfillDaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "sync",
		Name:      "backfill_days_total",
		Help:      "Number of days processed by initial backfills, labeled by result.",
	}, []string{"result"})

	// VendorFetchDuration observes vendor API latency.
	VendorFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devicesync",
		Subsystem: "vendor",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of vendor activity fetches.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"device_type", "result"})

	// CircuitBreakerState reports breaker state per vendor (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devicesync",
		Subsystem: "vendor",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per vendor: 0 closed, 1 half-open, 2 open.",
	}, []string{"vendor"})

	// InsightRequestsTotal counts balance insight generations by backend and result.
	InsightRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "insight",
		Name:      "requests_total",
		Help:      "Number of balance insight generations, labeled by backend and result.",
	}, []string{"backend", "result"})
)

func init() {
	prometheus.MustRegister(
		ledgerMergeGauge,
		MergesTotal,
		DeviceSyncsTotal,
		BackfillDaysTotal,
		VendorFetchDuration,
		CircuitBreakerState,
		InsightRequestsTotal,
	)
}

// RecordLedgerMerge updates the merge watermark gauge.
func RecordLedgerMerge(ts time.Time) {
	if ts.IsZero() {
		return
	}
	ledgerMergeGauge.Set(float64(ts.Unix()))
	MergesTotal.WithLabelValues("merged").Inc()
}

// RecordLedgerMergeFailure counts a payload that could not be merged.
func RecordLedgerMergeFailure() {
	MergesTotal.WithLabelValues("failed").Inc()
}
