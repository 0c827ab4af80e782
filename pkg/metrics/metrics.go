// Package metrics exposes kernel counters through Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all kernel metrics. A nil *Metrics is valid and records
// nothing, so subsystems can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	Forks     *prometheus.CounterVec
	Execs     *prometheus.CounterVec
	Exits     prometheus.Counter
	Waits     *prometheus.CounterVec
	Processes prometheus.Gauge
	Zombies   prometheus.Gauge
	Frames    prometheus.Gauge
	Threads   prometheus.Gauge
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Forks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernos_forks_total",
				Help: "Fork calls by outcome",
			},
			[]string{"result"},
		),
		Execs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernos_execs_total",
				Help: "Exec calls by outcome",
			},
			[]string{"result"},
		),
		Exits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kernos_exits_total",
				Help: "Processes that called _exit",
			},
		),
		Waits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernos_waits_total",
				Help: "Waitpid calls by outcome",
			},
			[]string{"result"},
		),
		Processes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernos_processes",
				Help: "Entries in the process table",
			},
		),
		Zombies: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernos_zombies",
				Help: "Exited processes waiting to be collected",
			},
		),
		Frames: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernos_frames_in_use",
				Help: "Physical frames allocated to address spaces",
			},
		),
		Threads: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernos_threads",
				Help: "Running execution contexts",
			},
		),
	}
}

// Result labels.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultImmediate = "immediate"
	ResultBlocked   = "blocked"
)

// Registry returns the registry metrics are recorded on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Fork records a fork outcome.
func (m *Metrics) Fork(err error) {
	if m == nil {
		return
	}
	m.Forks.WithLabelValues(result(err)).Inc()
}

// Exec records a failed exec. Successful execs never return.
func (m *Metrics) Exec(err error) {
	if m == nil {
		return
	}
	m.Execs.WithLabelValues(result(err)).Inc()
}

// Exit records a process exit.
func (m *Metrics) Exit() {
	if m == nil {
		return
	}
	m.Exits.Inc()
}

// Wait records a waitpid outcome.
func (m *Metrics) Wait(outcome string) {
	if m == nil {
		return
	}
	m.Waits.WithLabelValues(outcome).Inc()
}

// AddProcesses moves the process table gauge.
func (m *Metrics) AddProcesses(delta float64) {
	if m == nil {
		return
	}
	m.Processes.Add(delta)
}

// AddZombies moves the zombie gauge.
func (m *Metrics) AddZombies(delta float64) {
	if m == nil {
		return
	}
	m.Zombies.Add(delta)
}

// SetFrames records physical memory in use.
func (m *Metrics) SetFrames(n int) {
	if m == nil {
		return
	}
	m.Frames.Set(float64(n))
}

// AddThreads moves the running thread gauge.
func (m *Metrics) AddThreads(delta float64) {
	if m == nil {
		return
	}
	m.Threads.Add(delta)
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
