package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safe_reconcile_outcomes_total",
		Help: "Number of reconciliations by outcome.",
	}, []string{"outcome"})

	durationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safe_reconcile_duration_seconds",
		Help:    "Time spent in a single reconciliation, chain and store calls included.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	retriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safe_reconcile_retries_total",
		Help: "Number of reconciliation attempts scheduled after a first unsuccessful one.",
	})

	redeliveriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safe_reconcile_redeliveries_total",
		Help: "Number of not yet mined jobs put back on the queue after their retry delay.",
	})

	queueLengthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safe_reconcile_queue_length",
		Help: "Number of reconciliation jobs waiting for a worker.",
	})

	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safe_reconcile_dropped_jobs_total",
		Help: "Number of reconciliation jobs rejected because the queue was full.",
	})
)

func ObserveOutcome(outcome string, elapsed time.Duration) {
	outcomesCounter.WithLabelValues(outcome).Inc()
	durationHistogram.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func Retry() {
	retriesCounter.Inc()
}

func Redelivery() {
	redeliveriesCounter.Inc()
}

func QueueLength(length int) {
	queueLengthGauge.Set(float64(length))
}

func DroppedJob() {
	droppedCounter.Inc()
}
