package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/test", "GET", "418")); got < 1 {
		t.Fatalf("counter=%v", got)
	}
	if !bytes.Contains(scrape(t), []byte("instructune_http_requests_total")) {
		t.Fatalf("instructune_http_requests_total not exported")
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/runs/{id}", "GET", "200"))
	for _, p := range []string{"/runs/a", "/runs/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/runs/{id}", "GET", "200")) - before; got != 2 {
		t.Fatalf("pattern counter delta=%v", got)
	}
}

func TestRoutePatternOrPath_FallsBackToPath(t *testing.T) {
	if got := routePatternOrPath(httptest.NewRequest(http.MethodGet, "/plain", nil)); got != "/plain" {
		t.Fatalf("got %q", got)
	}
}

func TestIncrementBackpressure(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")) - before; got != 1 {
		t.Fatalf("delta=%v", got)
	}
}
