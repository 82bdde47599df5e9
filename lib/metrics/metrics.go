// Package metrics exposes Prometheus instrumentation for pool occupancy and
// task outcomes (SPEC_FULL.md section 4.9), grounded in the style of
// cuemby-warren's pkg/metrics: package-level metric objects registered onto
// a prometheus.Registry at construction time, served over promhttp. Unlike
// warren, parallited uses its own private prometheus.Registry rather than
// the global default, so that multiple daemons embedded in one test binary
// don't collide on metric registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome classifies how a dispatched task ended, for the tasks-by-outcome
// counter described in SPEC_FULL.md section 4.9.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeWorkerError Outcome = "worker_error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeShutdown    Outcome = "shutdown"
)

// Recorder is the daemon's Prometheus instrumentation surface.
type Recorder struct {
	registry *prometheus.Registry

	workersIdle      prometheus.Gauge
	workersLeased    prometheus.Gauge
	workersBroken    prometheus.Gauge
	tasksByOutcome   *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
}

// New builds a Recorder with all metrics registered onto a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parallited_workers_idle",
			Help: "Number of idle worker processes.",
		}),
		workersLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parallited_workers_leased",
			Help: "Number of currently leased worker processes.",
		}),
		workersBroken: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parallited_workers_broken",
			Help: "Number of workers currently being torn down after breaking.",
		}),
		tasksByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parallited_tasks_total",
			Help: "Total number of tasks dispatched, by outcome.",
		}, []string{"outcome"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parallited_dispatch_latency_seconds",
			Help:    "Time from task registration to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	r.registry.MustRegister(
		r.workersIdle,
		r.workersLeased,
		r.workersBroken,
		r.tasksByOutcome,
		r.dispatchLatency,
	)
	return r
}

// SetPoolOccupancy updates the pool occupancy gauges.
func (r *Recorder) SetPoolOccupancy(idle, leased, broken int) {
	r.workersIdle.Set(float64(idle))
	r.workersLeased.Set(float64(leased))
	r.workersBroken.Set(float64(broken))
}

// ObserveOutcome increments the tasks-by-outcome counter.
func (r *Recorder) ObserveOutcome(outcome Outcome) {
	r.tasksByOutcome.WithLabelValues(string(outcome)).Inc()
}

// ObserveDispatchLatencySeconds records one dispatch's latency.
func (r *Recorder) ObserveDispatchLatencySeconds(seconds float64) {
	r.dispatchLatency.Observe(seconds)
}

// Handler returns the HTTP handler serving this Recorder's registry in
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
