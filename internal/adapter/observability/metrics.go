package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served by the ops endpoint",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of upstream AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "Upstream AI request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_upstream_calls_total",
			Help: "Upstream calls by key slot and classified outcome",
		},
		[]string{"key_slot", "outcome"},
	)
	KeyCooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_key_cooldowns_total",
			Help: "Number of times a key slot was put into cooldown",
		},
		[]string{"key_slot"},
	)
	ProactiveDelaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_proactive_delays_total",
			Help: "Delays inserted because a key slot was near its soft quota",
		},
		[]string{"key_slot"},
	)
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_fallbacks_total",
			Help: "Jobs re-dispatched to a fallback key slot",
		},
		[]string{"category"},
	)
	DispatchWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyrouter_dispatch_wait_seconds",
			Help:    "Time spent waiting for an eligible key slot and a concurrency permit",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"category"},
	)

	KeyWindowUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyrouter_key_window_usage",
			Help: "Successful calls inside the rolling window per key slot",
		},
		[]string{"key_slot"},
	)
	KeysCooling = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrouter_keys_cooling",
			Help: "Key slots currently in cooldown",
		},
	)

	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"category"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"category"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"category"},
	)

	ConsensusRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_consensus_runs_total",
			Help: "Consensus run attempts by result",
		},
		[]string{"category", "result"},
	)
	ConsensusResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_consensus_results_total",
			Help: "Completed consensus jobs by terminal state",
		},
		[]string{"state"},
	)

	metricsOnce sync.Once
)

// InitMetrics registers all collectors with the default registry. Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AIRequestsTotal,
			AIRequestDuration,
			UpstreamCallsTotal,
			KeyCooldownsTotal,
			ProactiveDelaysTotal,
			FallbacksTotal,
			DispatchWaitDuration,
			KeyWindowUsage,
			KeysCooling,
			JobsProcessing,
			JobsCompletedTotal,
			JobsFailedTotal,
			ConsensusRunsTotal,
			ConsensusResultsTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func StartProcessingJob(category string) {
	JobsProcessing.WithLabelValues(category).Inc()
}

func CompleteJob(category string) {
	JobsProcessing.WithLabelValues(category).Dec()
	JobsCompletedTotal.WithLabelValues(category).Inc()
}

func FailJob(category string) {
	JobsProcessing.WithLabelValues(category).Dec()
	JobsFailedTotal.WithLabelValues(category).Inc()
}

// ObserveUpstreamCall counts one classified call against a key slot.
func ObserveUpstreamCall(keySlot, outcome string) {
	UpstreamCallsTotal.WithLabelValues(keySlot, outcome).Inc()
}

// ObserveCooldown counts a cooldown applied to a key slot.
func ObserveCooldown(keySlot string) {
	KeyCooldownsTotal.WithLabelValues(keySlot).Inc()
}

// ObserveProactiveDelay counts a near-quota slowdown on a key slot.
func ObserveProactiveDelay(keySlot string) {
	ProactiveDelaysTotal.WithLabelValues(keySlot).Inc()
}

// ObserveFallback counts a job moved to another key slot.
func ObserveFallback(category string) {
	FallbacksTotal.WithLabelValues(category).Inc()
}

// ObserveDispatchWait records how long a job waited before it was handed to the executor.
func ObserveDispatchWait(category string, d time.Duration) {
	DispatchWaitDuration.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveConsensusRun counts one consensus attempt; result is "success" or "failure".
func ObserveConsensusRun(category, result string) {
	ConsensusRunsTotal.WithLabelValues(category, result).Inc()
}

// ObserveConsensusResult counts a finished consensus job by its terminal state.
func ObserveConsensusResult(state string) {
	ConsensusResultsTotal.WithLabelValues(state).Inc()
}

// ObservePoolSnapshot publishes per-key window usage and the cooling count.
func ObservePoolSnapshot(usage map[string]int, cooling int) {
	for id, n := range usage {
		KeyWindowUsage.WithLabelValues(id).Set(float64(n))
	}
	KeysCooling.Set(float64(cooling))
}
