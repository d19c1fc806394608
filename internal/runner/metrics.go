package runner

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "nutricoach"
	metricsSubsystem = "step_runner"
)

type metrics struct {
	stepDuration  *prometheus.HistogramVec
	tasksFinished *prometheus.CounterVec
}

var runnerMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline step execution in seconds",
			},
			[]string{"kind", "step", "outcome"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_finished_total",
				Help:      "Total number of task runs reaching a terminal state",
			},
			[]string{"kind", "status"},
		),
	}

	prometheus.MustRegister(m.stepDuration, m.tasksFinished)
	return m
}
