package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "events_total",
			Help:      "Counter of transaction events.",
		}, []string{"type"})

	txnAttemptsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "attempts",
			Help:      "Bucketed histogram of attempts per atomically call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})

	retryWaitersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "retry_waiters",
			Help:      "Number of attempts parked until a tvar they read changes.",
		})
)

const (
	eventCommit     = "commit"
	eventConflict   = "conflict"
	eventRetry      = "retry"
	eventWakeup     = "wakeup"
	eventTimeout    = "retry_timeout"
	eventCancel     = "cancel"
	eventError      = "error"
	eventEmptyRetry = "empty_retry"
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnAttemptsHistogram)
	prometheus.MustRegister(retryWaitersGauge)
}
