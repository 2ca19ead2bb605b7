// Package metrics exposes pipeline measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/pkg/circuitbreaker"
)

const namespace = "research_pipeline"

// Prometheus implements application.Metrics.
type Prometheus struct {
	registry *prometheus.Registry

	submissions        *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
	progressionRetries prometheus.Counter
	progressionFails   prometheus.Counter
	achievements       *prometheus.CounterVec
	counterDedup       *prometheus.CounterVec
	publishFailures    *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

// New registers the pipeline collectors, plus the Go and process
// collectors, on a fresh registry.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by outcome",
		}, []string{"outcome"}),
		pipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time from accepting a submission to its final result",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"outcome"}),
		progressionRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progression_cas_retries_total",
			Help:      "Progress writes retried after a version mismatch",
		}),
		progressionFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progression_conflicts_total",
			Help:      "Progress writes that ran out of retries",
		}),
		achievements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievements_unlocked_total",
			Help:      "First-time achievement unlocks",
		}, []string{"achievement"}),
		counterDedup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_dedup_hits_total",
			Help:      "Counter increments skipped because the contribution was already counted",
		}, []string{"counter"}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Events that could not be published after retries",
		}, []string{"event_type"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 half-open, 2 open",
		}, []string{"breaker"}),
	}
}

func (p *Prometheus) SubmissionFinished(outcome string, elapsed time.Duration) {
	p.submissions.WithLabelValues(outcome).Inc()
	p.pipelineDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (p *Prometheus) ProgressionRetried()    { p.progressionRetries.Inc() }
func (p *Prometheus) ProgressionConflicted() { p.progressionFails.Inc() }

func (p *Prometheus) AchievementUnlocked(achievementID string) {
	p.achievements.WithLabelValues(achievementID).Inc()
}

func (p *Prometheus) CounterDeduplicated(counter string) {
	p.counterDedup.WithLabelValues(counter).Inc()
}

func (p *Prometheus) EventPublishFailed(eventType string) {
	p.publishFailures.WithLabelValues(eventType).Inc()
}

// BreakerStateChanged fits circuitbreaker.WithOnStateChange.
func (p *Prometheus) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	p.breakerState.WithLabelValues(name).Set(v)
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

var _ application.Metrics = (*Prometheus)(nil)
