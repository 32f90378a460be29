package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the pipeline components. All
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	offered       *prometheus.CounterVec
	inputErrors   *prometheus.CounterVec
	driverErrors  *prometheus.CounterVec
	queueLength   prometheus.Gauge
	queueDropped  prometheus.Counter
	committed     prometheus.Counter
	permanentDrop prometheus.Counter
	retries       prometheus.Counter
	sqlLatency    prometheus.Histogram
	pullRequests  *prometheus.CounterVec
	pushRequests  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		offered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuelog_samples_offered_total",
			Help: "Samples offered to the criterion checker by verdict.",
		}, []string{"verdict"}),
		inputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuelog_input_errors_total",
			Help: "Samples refused at the checker by error kind.",
		}, []string{"kind"}),
		driverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuelog_driver_errors_total",
			Help: "Driver read failures by driver and kind.",
		}, []string{"driver", "kind"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valuelog_writer_queue_length",
			Help: "Samples pending persistence.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuelog_writer_queue_dropped_total",
			Help: "Samples dropped by the queue overflow policy.",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuelog_writer_committed_total",
			Help: "Samples committed to the database.",
		}),
		permanentDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuelog_writer_failed_total",
			Help: "Samples dropped after a permanent database error.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuelog_writer_retries_total",
			Help: "Transient database failures that were retried.",
		}),
		sqlLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valuelog_writer_commit_seconds",
			Help:    "Latency of one committed insert transaction.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		pullRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuelog_pull_requests_total",
			Help: "Pull socket requests by command.",
		}, []string{"command"}),
		pushRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuelog_push_requests_total",
			Help: "Push socket requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.offered, m.inputErrors, m.driverErrors,
			m.queueLength, m.queueDropped, m.committed, m.permanentDrop, m.retries, m.sqlLatency,
			m.pullRequests, m.pushRequests,
		)
	}
	return m
}

func (m *Metrics) Offered(verdict string) {
	if m != nil {
		m.offered.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) InputError(kind string) {
	if m != nil {
		m.inputErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DriverError(driver, kind string) {
	if m != nil {
		m.driverErrors.WithLabelValues(driver, kind).Inc()
	}
}

func (m *Metrics) QueueLength(n int) {
	if m != nil {
		m.queueLength.Set(float64(n))
	}
}

func (m *Metrics) QueueDropped() {
	if m != nil {
		m.queueDropped.Inc()
	}
}

func (m *Metrics) Committed(n int, took time.Duration) {
	if m != nil {
		m.committed.Add(float64(n))
		m.sqlLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) PermanentFailure() {
	if m != nil {
		m.permanentDrop.Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) PullRequest(command string) {
	if m != nil {
		m.pullRequests.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) PushRequest(outcome string) {
	if m != nil {
		m.pushRequests.WithLabelValues(outcome).Inc()
	}
}
