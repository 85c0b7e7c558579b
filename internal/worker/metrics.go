package worker

import "github.com/prometheus/client_golang/prometheus"

// Task outcomes recorded by Metrics.
const (
	outcomeSuccess   = "success"
	outcomeRetry     = "retry"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

// Metrics counts the tasks run by a worker.
type Metrics struct {
	tasks   *prometheus.CounterVec
	running prometheus.Gauge
}

// NewMetrics registers the worker metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datashare",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Tasks run by the worker by task name and outcome.",
		}, []string{"name", "outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datashare",
			Subsystem: "worker",
			Name:      "running_tasks",
			Help:      "Tasks currently running.",
		}),
	}
	reg.MustRegister(m.tasks, m.running)
	return m
}

func (m *Metrics) finished(name, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) stopped() {
	if m == nil {
		return
	}
	m.running.Dec()
}
