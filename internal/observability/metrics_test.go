package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

var _ rbac.LifecycleRecorder = (*Metrics)(nil)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	body := scrape(t, metrics)
	require.Contains(t, body, "odyssey_rbac_pending_deletions 0")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/test"`)
}

func TestDeletionLifecycleMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.DeletionTransition("requested")
	metrics.DeletionTransition("requested")
	metrics.DeletionTransition("cancelled")
	metrics.DeletionTransition("")
	metrics.PendingDeletions(1)

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_rbac_deletions_total{outcome="requested"} 2`)
	require.Contains(t, body, `odyssey_rbac_deletions_total{outcome="cancelled"} 1`)
	require.Contains(t, body, "odyssey_rbac_pending_deletions 1")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.DeletionTransition("finalized")
	metrics.PendingDeletions(3)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	require.NotNil(t, metrics.Middleware(next))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
