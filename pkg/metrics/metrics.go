// Package metrics holds the Prometheus collectors the worker publishes. The
// teacher's cmd/worker/main.go declared these as package-level promauto
// globals; generalizing them into a Registry lets cmd/worker register one set
// of collectors explicitly and lets tests construct a throwaway registry
// instead of mutating process-global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the counters/histograms/gauges the worker (Worker and
// CollectQueueDepths) updates over the lifetime of a task.
type Registry struct {
	TasksProcessed *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	QueueLatency   *prometheus.HistogramVec
}

// NewRegistry registers a fresh set of collectors against reg (pass
// prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer in
// cmd/worker).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailqueue_tasks_processed_total",
			Help: "Total number of tasks processed, by outcome and kind.",
		}, []string{"outcome", "kind"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailqueue_task_duration_seconds",
			Help:    "Handler execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailqueue_queue_depth",
			Help: "Number of tasks in each partition.",
		}, []string{"partition"}),

		QueueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailqueue_queue_latency_seconds",
			Help:    "Time a task spent queued before a worker leased it.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
