package worker

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	claimed    prometheus.Counter
	finalized  *prometheus.CounterVec
	queueDepth prometheus.Gauge
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronrunner_jobs_claimed_total",
			Help: "Job instances claimed from the store",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronrunner_jobs_finalized_total",
			Help: "Job instances finalized, by function id and outcome",
		}, []string{"function_id", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronrunner_queue_depth",
			Help: "Dispatched executions waiting for the finalizer",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cronrunner_job_duration_seconds",
			Help:    "Wall time of job bodies",
			Buckets: prometheus.DefBuckets,
		}, []string{"function_id"}),
	}
	if reg == nil {
		return m, nil
	}

	var errs []error
	for _, c := range []prometheus.Collector{m.claimed, m.finalized, m.queueDepth, m.duration} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) addClaimed(n int) {
	if m == nil {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) addQueued(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}

func (m *Metrics) recordOutcome(functionID, outcome string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(functionID, outcome).Inc()
}

func (m *Metrics) observeDuration(functionID string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(functionID).Observe(d.Seconds())
}
