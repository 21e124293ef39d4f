// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles the engine collectors and the registry they live on.
type Set struct {
	Registry *prometheus.Registry

	Handled        *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
	LeaseLost      *prometheus.CounterVec
	Queued         *prometheus.GaugeVec
	InFlight       prometheus.Gauge
	FetchFailures  prometheus.Counter
	MaintenanceRun prometheus.Counter
	Deleted        *prometheus.CounterVec
}

func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Set{
		Registry: reg,
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchet_handled_total",
			Help: "Handler invocations that were dispatched, by entity type and outcome.",
		}, []string{"type", "outcome"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchet_handler_errors_total",
			Help: "Handler invocations that failed or panicked, by entity type.",
		}, []string{"type"}),
		LeaseLost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchet_lease_contention_total",
			Help: "Lease acquisitions lost to another worker, by entity type.",
		}, []string{"type"}),
		Queued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratchet_queued",
			Help: "Entities currently ready for dispatch, by entity type (sampled each maintenance pass).",
		}, []string{"type"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ratchet_in_flight",
			Help: "Handlers currently executing in this process.",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ratchet_fetch_failures_total",
			Help: "Ready-batch fetches that failed and were retried after backoff.",
		}),
		MaintenanceRun: f.NewCounter(prometheus.CounterOpts{
			Name: "ratchet_maintenance_runs_total",
			Help: "Completed maintenance passes (readiness scan, lease cleanup, stats).",
		}),
		Deleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchet_deleted_total",
			Help: "Entities pruned by the deletion pass, by entity type.",
		}, []string{"type"}),
	}
}
