package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics satisfies the Metrics interfaces of the engines, the scheduler and
// the deposit consumer. All methods are safe on a nil receiver.
type Metrics struct {
	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	ParameterResolutions *prometheus.CounterVec
	JobRuns              *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	JobProcessed         *prometheus.CounterVec
	RateLimited          *prometheus.CounterVec
	DistributionsPosted  *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		ParameterResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_parameter_resolutions_total",
				Help: "Governed parameter resolutions by tier.",
			},
			[]string{"param", "tier"},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_job_runs_total",
				Help: "Scheduled job runs by outcome.",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_job_duration_seconds",
				Help:    "Scheduled job duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		JobProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_job_processed_total",
				Help: "Items processed by scheduled jobs.",
			},
			[]string{"job"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rate_limited_total",
				Help: "Requests rejected by the rate limiter.",
			},
			[]string{"route"},
		),
		DistributionsPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_distribution_micro_total",
				Help: "Revenue share micro-units posted by recipient role.",
			},
			[]string{"role"},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ParameterResolutions,
		m.JobRuns,
		m.JobDuration,
		m.JobProcessed,
		m.RateLimited,
		m.DistributionsPosted,
	)
	return m
}

func (m *Metrics) ObserveOperation(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) ObserveResolution(param, tier string) {
	if m == nil {
		return
	}
	m.ParameterResolutions.WithLabelValues(param, tier).Inc()
}

func (m *Metrics) ObserveJob(name, status string, duration time.Duration, processed int) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(name, status).Inc()
	m.JobDuration.WithLabelValues(name).Observe(duration.Seconds())
	if processed > 0 {
		m.JobProcessed.WithLabelValues(name).Add(float64(processed))
	}
}

func (m *Metrics) IncRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) AddDistributed(role string, micro int64) {
	if m == nil || micro <= 0 {
		return
	}
	m.DistributionsPosted.WithLabelValues(role).Add(float64(micro))
}
