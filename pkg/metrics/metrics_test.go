package metrics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perimeter/pkg/structlog"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	reg := NewRegistry()
	m := NewHTTPMetrics(reg, "collector")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, p := range []string{"/collect", "/collect", "/boom"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/collect", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/boom", "502")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	rm := NewRelayMetrics(reg, "collector")
	rm.Outcomes.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `collector_relay_requests_total{outcome="success"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestNormalizePath(t *testing.T) {
	allow := []string{"/health"}
	assert.Equal(t, "/health/deep", normalizePath("/health/deep", allow, nil, "heuristic"))
	assert.Equal(t, "/users/:id/batches", normalizePath("/users/123456/batches", allow, nil, "heuristic"))
	assert.Equal(t, "/users/:id", normalizePath("/users/3f2a9c1e-aa01", allow, nil, "heuristic"))
	assert.Equal(t, "/users/bob", normalizePath("/users/bob", allow, nil, "heuristic"))
	assert.Equal(t, ":other", normalizePath("/users/bob", allow, nil, "strict"))
	assert.Equal(t, "/v1/x", normalizePath("/v1/x", nil, []*regexp.Regexp{regexp.MustCompile(`^/v1/`)}, "strict"))
	assert.Equal(t, "/", normalizePath("", nil, nil, "heuristic"))
}

func TestPathModeFromEnv(t *testing.T) {
	t.Setenv("AUTH_SVC_HTTP_PATH_MODE", "STRICT")
	assert.Equal(t, "strict", pathModeFromEnv("auth-svc"))
	assert.Equal(t, "heuristic", pathModeFromEnv("other"))
}

func TestStartOTelExporterWithoutEndpoint(t *testing.T) {
	var buf bytes.Buffer
	logger := structlog.NewLogger("test", structlog.LevelDebug, &buf)

	shutdown := StartOTelExporter(context.Background(), "auth", "", logger)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}
