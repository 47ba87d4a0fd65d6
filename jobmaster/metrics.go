package jobmaster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hanfei1991/jobcoord/pkg/promutil"
)

type metrics struct {
	state                prometheus.Gauge
	clients              prometheus.Gauge
	taskReports          *prometheus.CounterVec
	invalidTransitions   prometheus.Counter
	registrationOutcomes *prometheus.CounterVec
	taskCancelFailures   prometheus.Counter
	classloadingDuration prometheus.Histogram
}

func newMetrics(factory promutil.Factory) *metrics {
	return &metrics{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobmaster",
			Name:      "job_state",
			Help:      "Current lifecycle state of the job",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobmaster",
			Name:      "registered_clients",
			Help:      "Number of registered job clients",
		}),
		taskReports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobmaster",
			Name:      "task_reports_total",
			Help:      "Task execution reports by result of the update",
		}, []string{"result"}),
		invalidTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jobmaster",
			Name:      "invalid_transitions_total",
			Help:      "Rejected job state transitions",
		}),
		registrationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobmaster",
			Name:      "rm_registration_outcomes_total",
			Help:      "Resource manager handshake outcomes",
		}, []string{"outcome"}),
		taskCancelFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jobmaster",
			Name:      "task_cancel_failures_total",
			Help:      "Cancel signals that could not be delivered",
		}),
		classloadingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jobmaster",
			Name:      "classloading_request_duration_seconds",
			Help:      "Latency of classloading properties requests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
}
