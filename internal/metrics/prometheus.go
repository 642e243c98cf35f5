package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the grading service collectors.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	SubmissionsCreated  prometheus.Counter
	SubmissionsRejected *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	DispatchAttempts    *prometheus.CounterVec
	DispatchLatency     prometheus.Histogram
	ScriptDeployments   *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "grading_submissions_created_total",
			Help: "Total number of submissions accepted at intake",
		}),
		SubmissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_submissions_rejected_total",
			Help: "Total number of submissions rejected at intake",
		}, []string{"reason"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_submission_transitions_total",
			Help: "Total number of submission status transitions",
		}, []string{"status"}),
		DispatchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_dispatch_attempts_total",
			Help: "Total number of grading worker notifications",
		}, []string{"outcome"}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "grading_dispatch_latency_seconds",
			Help:    "Grading worker notification latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ScriptDeployments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_script_deployments_total",
			Help: "Total number of grading script deployments",
		}, []string{"outcome"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_status_events_total",
			Help: "Total number of status events published",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncSubmissionsCreated() {
	if m == nil {
		return
	}
	m.SubmissionsCreated.Inc()
}

func (m *Metrics) IncSubmissionsRejected(reason string) {
	if m == nil {
		return
	}
	m.SubmissionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(outcome).Inc()
	m.DispatchLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) IncScriptDeployment(outcome string) {
	if m == nil {
		return
	}
	m.ScriptDeployments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEventPublished(status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(status).Inc()
}
