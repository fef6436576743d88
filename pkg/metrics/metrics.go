// Package metrics holds the Prometheus collectors shared by the queue engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enqueued counts items accepted onto a priority list.
	// Labels:
	//   - queue: queue name
	//   - priority: "high", "medium" or "low"
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txqueue_enqueued_total",
		Help: "The total number of items accepted onto a priority list",
	}, []string{"queue", "priority"})

	// Processed counts handler outcomes.
	// Labels:
	//   - outcome: "completed", "retry", "failed", "deferred", "throttled", "malformed", "cancelled" or "timeout"
	//   - type: transaction type
	Processed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txqueue_processed_total",
		Help: "The total number of processed items by outcome",
	}, []string{"outcome", "type"})

	// HandlerDuration tracks handler latency in seconds.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txqueue_handler_duration_seconds",
		Help:    "Duration of handler invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueueLatency tracks the time an item waits before its first processing attempt.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txqueue_queue_latency_seconds",
		Help:    "Time spent queued before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// DeadLettered counts items quarantined after exhausting retries.
	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txqueue_dead_lettered_total",
		Help: "The total number of items moved to the dead-letter list",
	}, []string{"queue"})

	// QueueDepth is refreshed periodically by the worker.
	// Labels:
	//   - queue: queue name
	//   - list: "high", "medium", "low" or "dead_letter"
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txqueue_queue_depth",
		Help: "Number of items in each list",
	}, []string{"queue", "list"})
)
