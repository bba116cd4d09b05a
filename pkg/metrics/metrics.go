// Package metrics registers the hub's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HubMetrics tracks federation lifecycle and sync metrics.
type HubMetrics struct {
	// Lifecycle metrics
	SpokesByStatus     *prometheus.GaugeVec
	TransitionsTotal   prometheus.Counter
	TransitionFailures prometheus.Counter

	// Sync metrics
	HeartbeatsTotal   prometheus.Counter
	SpokesBySyncState *prometheus.GaugeVec
	PendingUpdates    *prometheus.GaugeVec

	// Policy push metrics
	PolicyPushesTotal *prometheus.CounterVec
	AckTimeouts       prometheus.Counter
	UnackedSpokes     prometheus.Gauge

	// Cascade metrics
	CascadeRuns         *prometheus.CounterVec
	CascadeStepFailures *prometheus.CounterVec

	// Guardrail metrics
	PolicySubmissions prometheus.Counter
	PolicyRejections  prometheus.Counter
}

// NewHubMetrics creates and registers the hub metrics.
func NewHubMetrics(registry prometheus.Registerer) *HubMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &HubMetrics{
		SpokesByStatus: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "federation_spokes",
			Help: "Number of registered spokes by lifecycle status",
		}, []string{"status"}),
		TransitionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_transitions_total",
			Help: "Total number of successful lifecycle transitions",
		}),
		TransitionFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_transition_failures_total",
			Help: "Total number of rejected lifecycle transitions",
		}),
		HeartbeatsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_heartbeats_total",
			Help: "Total number of spoke heartbeats received",
		}),
		SpokesBySyncState: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "federation_spokes_sync_state",
			Help: "Number of spokes by derived sync state",
		}, []string{"state"}),
		PendingUpdates: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "federation_pending_updates",
			Help: "Pending policy updates per spoke",
		}, []string{"instance_code"}),
		PolicyPushesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_policy_pushes_total",
			Help: "Total policy pushes by priority",
		}, []string{"priority"}),
		AckTimeouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_ack_timeouts_total",
			Help: "Critical updates that timed out waiting for acknowledgment",
		}),
		UnackedSpokes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_unacked_spokes",
			Help: "Spokes that have not acknowledged the latest critical update",
		}),
		CascadeRuns: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_cascade_runs_total",
			Help: "Cascade executions by direction",
		}, []string{"direction"}),
		CascadeStepFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_cascade_step_failures_total",
			Help: "Failed cascade steps by direction and step name",
		}, []string{"direction", "step"}),
		PolicySubmissions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_policy_submissions_total",
			Help: "Tenant policy submissions received",
		}),
		PolicyRejections: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_policy_rejections_total",
			Help: "Tenant policy submissions rejected by guardrails",
		}),
	}
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
