package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestHTTPMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(HTTPMetricsMiddleware)
	router.Get("/keys/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/keys/{id}", http.MethodGet, "OK"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/keys/key-1", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/keys/{id}", http.MethodGet, "OK"))

	if after-before != 1 {
		t.Fatalf("expected route pattern counter to increase by 1, got %v", after-before)
	}
}

func TestMetricHelpers(t *testing.T) {
	InitMetrics()
	InitMetrics()

	StartProcessingJob("screening")
	CompleteJob("screening")
	StartProcessingJob("screening")
	FailJob("screening")
	if got := testutil.ToFloat64(JobsProcessing.WithLabelValues("screening")); got != 0 {
		t.Fatalf("jobs_processing = %v, want 0", got)
	}

	before := testutil.ToFloat64(KeyCooldownsTotal.WithLabelValues("metrics-key"))
	ObserveCooldown("metrics-key")
	if got := testutil.ToFloat64(KeyCooldownsTotal.WithLabelValues("metrics-key")); got != before+1 {
		t.Fatalf("cooldowns = %v, want %v", got, before+1)
	}

	ObserveUpstreamCall("metrics-key", "success")
	ObserveProactiveDelay("metrics-key")
	ObserveFallback("analysis")
	ObserveDispatchWait("analysis", 150*time.Millisecond)
	ObserveConsensusRun("analysis", "success")
	ObserveConsensusResult("sufficient")
}

func TestObservePoolSnapshot(t *testing.T) {
	ObservePoolSnapshot(map[string]int{"snap-1": 3, "snap-2": 0}, 1)
	if got := testutil.ToFloat64(KeyWindowUsage.WithLabelValues("snap-1")); got != 3 {
		t.Fatalf("window usage = %v, want 3", got)
	}
	if got := testutil.ToFloat64(KeysCooling); got != 1 {
		t.Fatalf("keys cooling = %v, want 1", got)
	}
}
