// Package metrics defines the engine's Prometheus instruments and the
// bridge from graph execution events onto them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loom"

var (
	// TasksTotal counts task terminal transitions by workflow and status.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Tasks reaching a terminal status, by workflow type and status.",
	}, []string{"workflow", "status"})

	// TasksInFlight tracks tasks currently held by a worker.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Tasks currently executing.",
	})

	// NodeDuration observes per-node execution latency.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_duration_seconds",
		Help:      "Node execution latency, by node name.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
	}, []string{"node"})

	// NodeRetries counts intra-node retry attempts.
	NodeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_retries_total",
		Help:      "Intra-node retries after transient failures, by node name.",
	}, []string{"node"})

	// QualityRetries counts quality-gated regenerations.
	QualityRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quality_retries_total",
		Help:      "Quality-gated regenerations consumed, by workflow type and retry class.",
	}, []string{"workflow", "class"})

	// QueueDepth tracks pending async tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting in the dispatch queue.",
	})

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts, by event and outcome.",
	}, []string{"event", "outcome"})

	// LeaseReclaims counts stale running tasks returned to pending.
	LeaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_reclaims_total",
		Help:      "Stale worker leases reclaimed by the supervisor.",
	})
)
