// Package metrics defines the Prometheus metrics exported by the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "crmflow"

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived   *prometheus.CounterVec
	workflowsMatched *prometheus.CounterVec
	executions       *prometheus.CounterVec
	executionTime    *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	stepTime         *prometheus.HistogramVec
	deduplicated     prometheus.Counter
	dispatchDropped  *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	inFlight         prometheus.Gauge
	schedulerTicks   prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Total number of events submitted to the dispatcher",
			},
			[]string{"change_kind"},
		),
		workflowsMatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_matched_total",
				Help:      "Total number of workflow runs enqueued after matching",
			},
			[]string{"change_kind"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of finished workflow runs",
			},
			[]string{"status"}, // status: success, partial_failure, failed
		),
		executionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Histogram of workflow run duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of action steps by outcome",
			},
			[]string{"action_type", "status"}, // status: success, failed, skipped
		),
		stepTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Histogram of action step duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action_type"},
		),
		deduplicated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_deduplicated_total",
				Help:      "Total number of runs skipped because the ledger already had the key",
			},
		),
		dispatchDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_dropped_total",
				Help:      "Total number of events or runs dropped on infrastructure errors",
			},
			[]string{"reason"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of runs waiting for a worker",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Number of runs currently executing",
			},
		),
		schedulerTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Total number of scheduler ticks submitted",
			},
		),
	}

	m.registry.MustRegister(
		m.eventsReceived,
		m.workflowsMatched,
		m.executions,
		m.executionTime,
		m.steps,
		m.stepTime,
		m.deduplicated,
		m.dispatchDropped,
		m.queueDepth,
		m.inFlight,
		m.schedulerTicks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}

	return m.registry
}

func (m *Metrics) EventReceived(changeKind string) {
	if m == nil {
		return
	}

	m.eventsReceived.WithLabelValues(changeKind).Inc()
}

func (m *Metrics) WorkflowsMatched(changeKind string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.workflowsMatched.WithLabelValues(changeKind).Add(float64(n))
}

func (m *Metrics) ExecutionFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.executions.WithLabelValues(status).Inc()
	m.executionTime.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) StepFinished(actionType, status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.steps.WithLabelValues(actionType, status).Inc()

	if status != "skipped" {
		m.stepTime.WithLabelValues(actionType).Observe(duration.Seconds())
	}
}

func (m *Metrics) Deduplicated() {
	if m == nil {
		return
	}

	m.deduplicated.Inc()
}

func (m *Metrics) DispatchDropped(reason string) {
	if m == nil {
		return
	}

	m.dispatchDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}

	m.inFlight.Inc()
}

func (m *Metrics) RunDone() {
	if m == nil {
		return
	}

	m.inFlight.Dec()
}

func (m *Metrics) SchedulerTick() {
	if m == nil {
		return
	}

	m.schedulerTicks.Inc()
}
