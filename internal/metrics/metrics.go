// Package metrics holds the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the broker exports on /metrics. Each
// broker owns its registry so constructing a second broker in the same
// process never collides on collector names.
type Metrics struct {
	Registry *prometheus.Registry

	EmitTotal    *prometheus.CounterVec
	EmitDuration *prometheus.HistogramVec

	AdmissionTotal *prometheus.CounterVec

	SessionsCreated prometheus.Counter
	RefreshRotated  prometheus.Counter

	RuntimeState *prometheus.GaugeVec
	Transitions  *prometheus.CounterVec

	Subscribers      *prometheus.GaugeVec
	BusPublished     *prometheus.CounterVec
	ReflectionWrites prometheus.Counter
}

// New builds a registry and registers all collectors on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EmitTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abi_emit_total",
				Help: "Emit pipeline outcomes by result reason",
			},
			[]string{"result"}, // accepted | the rejection reason
		),
		EmitDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abi_emit_duration_seconds",
				Help:    "End-to-end emit pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		AdmissionTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abi_admission_total",
				Help: "Challenge verification outcomes",
			},
			[]string{"reason"}, // verified | no-challenge | expired | bad-signature | ae-revoked
		),
		SessionsCreated: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "abi_sessions_created_total",
				Help: "Sessions opened by admission",
			},
		),
		RefreshRotated: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "abi_refresh_rotations_total",
				Help: "Successful refresh token rotations",
			},
		),
		RuntimeState: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abi_runtime_aes",
				Help: "AEs per liveness partition",
			},
			[]string{"state"}, // live | stale | dead
		),
		Transitions: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abi_runtime_transitions_total",
				Help: "Liveness lattice crossings",
			},
			[]string{"from", "to"},
		),
		Subscribers: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abi_stream_subscribers",
				Help: "Active streaming subscribers per topic",
			},
			[]string{"topic"},
		),
		BusPublished: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abi_bus_published_total",
				Help: "Messages published on the local bus per topic",
			},
			[]string{"topic"},
		),
		ReflectionWrites: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "abi_reflection_appends_total",
				Help: "Reflection records appended",
			},
		),
	}
}
