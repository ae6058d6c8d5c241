// Package metrics exposes Prometheus instruments for pipeline runs.
// A nil *Recorder is valid and records nothing, so libraries can take one unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups every instrument used by the module
type Recorder struct {
	stageDuration    *prometheus.HistogramVec
	stageTotal       *prometheus.CounterVec
	contextsTotal    *prometheus.CounterVec
	backendFallbacks *prometheus.CounterVec
	poolInUse        *prometheus.GaugeVec
	poolTimeouts     *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	evaluations      *prometheus.CounterVec
}

// New registers the instruments on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "daedalus_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage", "status"}),
		stageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_stage_total",
			Help: "Stage executions by stage and outcome (success, error, skipped)",
		}, []string{"stage", "status"}),
		contextsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_contexts_total",
			Help: "Completed execution contexts by execution status",
		}, []string{"status"}),
		backendFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_backend_fallbacks_total",
			Help: "Backends degraded to sequential execution",
		}, []string{"mode"}),
		poolInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daedalus_pool_in_use",
			Help: "Pooled resources currently checked out",
		}, []string{"pool"}),
		poolTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_pool_acquire_timeouts_total",
			Help: "Pool acquisitions that timed out",
		}, []string{"pool"}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_cache_requests_total",
			Help: "Cache lookups by cache, level and result",
		}, []string{"cache", "level", "result"}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daedalus_evaluations_total",
			Help: "Evaluation outcomes by category",
		}, []string{"category", "outcome"}),
	}
}

// ObserveStage records one stage execution
func (r *Recorder) ObserveStage(stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageTotal.WithLabelValues(stage, status).Inc()
	if status != "skipped" {
		r.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	}
}

// ObserveContext records one finished execution context
func (r *Recorder) ObserveContext(status string) {
	if r == nil {
		return
	}
	r.contextsTotal.WithLabelValues(status).Inc()
}

// ObserveFallback records a backend degrading to sequential execution
func (r *Recorder) ObserveFallback(mode string) {
	if r == nil {
		return
	}
	r.backendFallbacks.WithLabelValues(mode).Inc()
}

// SetPoolInUse publishes the checked-out count of a pool
func (r *Recorder) SetPoolInUse(pool string, inUse int) {
	if r == nil {
		return
	}
	r.poolInUse.WithLabelValues(pool).Set(float64(inUse))
}

// ObservePoolTimeout records a timed out acquisition
func (r *Recorder) ObservePoolTimeout(pool string) {
	if r == nil {
		return
	}
	r.poolTimeouts.WithLabelValues(pool).Inc()
}

// ObserveCache records a cache lookup; level is "l1" or "l2", result is "hit" or "miss"
func (r *Recorder) ObserveCache(cache, level, result string) {
	if r == nil {
		return
	}
	r.cacheRequests.WithLabelValues(cache, level, result).Inc()
}

// ObserveEvaluation records an evaluation outcome (correct, incorrect, error)
func (r *Recorder) ObserveEvaluation(category, outcome string) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(category, outcome).Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
