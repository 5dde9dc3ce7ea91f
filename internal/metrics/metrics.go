package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful deployment spawns.",
		}, []string{"name"},
	)
	processSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed.",
		}, []string{"name"},
	)
	processDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "process",
			Name:      "deaths_total",
			Help:      "Number of reaped child exits.",
		}, []string{"name"},
	)
	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskwire",
			Subsystem: "process",
			Name:      "live",
			Help:      "Current number of live tracked processes.",
		},
	)

	reconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "reconciler",
			Name:      "cycles_total",
			Help:      "Number of reconciliation cycles executed.",
		},
	)
	connectOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "reconciler",
			Name:      "connection_ops_total",
			Help:      "Connect/disconnect operations by kind and outcome.",
		}, []string{"kind", "outcome"},
	)
	heldConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskwire",
			Subsystem: "reconciler",
			Name:      "held_connections",
			Help:      "Connections deferred because an endpoint is not ready.",
		},
	)

	uploadJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "upload",
			Name:      "jobs_total",
			Help:      "Finished upload jobs by outcome.",
		}, []string{"outcome"},
	)
	uploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwire",
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes streamed to the log archive.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processSpawnFailures, processDeaths, liveProcesses,
		reconcileCycles, connectOps, heldConnections,
		uploadJobs, uploadBytes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		processSpawnFailures.WithLabelValues(name).Inc()
	}
}

func IncDeath(name string) {
	if regOK.Load() {
		processDeaths.WithLabelValues(name).Inc()
	}
}

func SetLiveProcesses(n int) {
	if regOK.Load() {
		liveProcesses.Set(float64(n))
	}
}

func IncReconcileCycle() {
	if regOK.Load() {
		reconcileCycles.Inc()
	}
}

// ObserveConnectionOp records one connect/disconnect unit.
// kind is "connect" or "disconnect"; outcome is "ok" or "error".
func ObserveConnectionOp(kind, outcome string) {
	if regOK.Load() {
		connectOps.WithLabelValues(kind, outcome).Inc()
	}
}

func SetHeldConnections(n int) {
	if regOK.Load() {
		heldConnections.Set(float64(n))
	}
}

func IncUploadJob(ok bool) {
	if regOK.Load() {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		uploadJobs.WithLabelValues(outcome).Inc()
	}
}

func AddUploadBytes(n int) {
	if regOK.Load() {
		uploadBytes.Add(float64(n))
	}
}
