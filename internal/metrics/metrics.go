// Package metrics holds the Prometheus collectors shared by the scheduler,
// the bridge and the headless worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rail_node_transitions_total",
		Help: "Node status transitions by node type and status",
	}, []string{"node_type", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rail_node_duration_seconds",
		Help:    "Node execution time by node type and terminal status",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"node_type", "status"})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rail_runs_finished_total",
		Help: "Finalized runs by status",
	}, []string{"status"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rail_runs_active",
		Help: "Runs currently executing",
	})

	SchemaRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rail_schema_retries_total",
		Help: "Engine turn retries caused by output schema violations",
	})

	BridgeClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rail_bridge_claims_total",
		Help: "Bridge claim requests by provider and result",
	}, []string{"provider", "result"})

	BridgeTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rail_bridge_tasks_total",
		Help: "Bridge tasks resolved by provider and outcome",
	}, []string{"provider", "outcome"})

	BridgePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rail_bridge_pending_tasks",
		Help: "Tasks waiting in the bridge mailbox",
	})

	WorkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rail_worker_runs_total",
		Help: "Headless provider runs by provider and result code",
	}, []string{"provider", "code"})
)

// ObserveNode records the duration of a node that reached a terminal status.
func ObserveNode(nodeType, status string, elapsed time.Duration) {
	NodeDuration.WithLabelValues(nodeType, status).Observe(elapsed.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
