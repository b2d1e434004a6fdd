package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/coldstore/ledger/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("ledger:rebuild_snapshots").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "coldstore_jobs_total") {
		t.Fatalf("expected body to contain coldstore_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "http_requests_total{code=\"418\",method=\"GET\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestLedgerMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveRecompute("full", 2*time.Millisecond, 3)
	metrics.DeltaFallback("farmer profile changed")

	body := scrape(t, metrics)
	if !strings.Contains(body, "coldstore_ledger_snapshot_rows_total{strategy=\"full\"} 3") {
		t.Fatalf("expected snapshot rows counter, got: %s", body)
	}
	if !strings.Contains(body, "coldstore_ledger_delta_fallback_total{reason=\"farmer profile changed\"} 1") {
		t.Fatalf("expected fallback counter, got: %s", body)
	}
	if !strings.Contains(body, "coldstore_ledger_recompute_duration_seconds_count{strategy=\"full\"} 1") {
		t.Fatalf("expected recompute histogram, got: %s", body)
	}
}

func TestMetricsExposeRuntimeCollectors(t *testing.T) {
	body := scrape(t, NewMetrics())
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime metrics, got: %s", body)
	}
	if !strings.Contains(body, "coldstore_http_requests_in_flight 0") {
		t.Fatalf("expected in-flight gauge, got: %s", body)
	}
}

func TestUnmatchedRouteLabel(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/nowhere/42", nil))

	body := scrape(t, metrics)
	if !strings.Contains(body, `coldstore_http_requests_total{code="200",method="POST",route="unmatched"} 1`) {
		t.Fatalf("expected unmatched route label, got: %s", body)
	}
}
