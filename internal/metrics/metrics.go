// Package metrics defines the Prometheus collectors for the collaboration
// engine. All collectors register against an injected Registerer so tests
// can use throwaway registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine and gateway report to.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveDocuments   prometheus.Gauge

	OpsApplied      prometheus.Counter
	OpsRejected     *prometheus.CounterVec
	BroadcastEvents prometheus.Counter
	PresenceEvents  prometheus.Counter

	PersistenceRetries  prometheus.Counter
	PersistenceFailures prometheus.Counter
	PersistenceDegraded prometheus.Gauge

	BackpressureCloses prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_connections",
			Help: "Currently open client connections.",
		}),
		ActiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_documents",
			Help: "Document engines currently resident.",
		}),
		OpsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_ops_applied_total",
			Help: "Operations accepted and applied to a document.",
		}),
		OpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_ops_rejected_total",
			Help: "Operations rejected at admission, by reason.",
		}, []string{"reason"}),
		BroadcastEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcast_events_total",
			Help: "Events fanned out to attached sessions.",
		}),
		PresenceEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_presence_events_total",
			Help: "Presence updates processed.",
		}),
		PersistenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_persistence_retries_total",
			Help: "Persistence submissions retried after an error.",
		}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_persistence_failures_total",
			Help: "Persistence submissions dropped after exhausting retries.",
		}),
		PersistenceDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_persistence_degraded",
			Help: "1 while the persistence path is failing; editing continues in memory.",
		}),
		BackpressureCloses: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_backpressure_closes_total",
			Help: "Sessions closed because their outbound queue overflowed.",
		}),
	}
}
