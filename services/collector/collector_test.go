package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perimeter/pkg/capture"
	"perimeter/pkg/config"
	"perimeter/pkg/httpx"
	"perimeter/pkg/ratelimit"
	"perimeter/pkg/relay"
	"perimeter/pkg/structlog"
)

type analyticsMock struct {
	mu      sync.Mutex
	calls   int
	bodies  [][]byte
	status  int
	reply   string
	delay   time.Duration
	healthy bool
}

func (m *analyticsMock) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		m.mu.Lock()
		ok := m.healthy
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.calls++
	m.bodies = append(m.bodies, body)
	status, reply, delay := m.status, m.reply, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, reply)
}

func (m *analyticsMock) snapshot() (int, [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, append([][]byte(nil), m.bodies...)
}

func quietLogger() *structlog.Logger {
	return structlog.NewLogger("collector", structlog.LevelFatal, io.Discard)
}

func newCollectorServer(t *testing.T, analyticsURL string, rcfg relay.Config, opts ...CollectorOption) *httptest.Server {
	t.Helper()
	rcfg.BaseURL = analyticsURL
	if rcfg.BackoffBase == 0 {
		rcfg.BackoffBase = time.Millisecond
		rcfg.BackoffMax = 5 * time.Millisecond
	}
	client, err := relay.New(rcfg, relay.WithLogger(quietLogger()))
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewCollector(client, quietLogger(), opts...).Routes(mux)
	srv := httptest.NewServer(httpx.CorrelationID(mux))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorField(t *testing.T, body []byte) string {
	t.Helper()
	var e httpx.ErrorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

const u1Batch = `{"userId":"u1","typingData":[{"key":"a","timestamp":1000,"keydown":true},{"key":"a","timestamp":1120,"keydown":false}]}`

func TestCollectEndToEndFromRecorder(t *testing.T) {
	mock := &analyticsMock{reply: `{"score":0.5}`}
	analytics := httptest.NewServer(mock)
	defer analytics.Close()
	collector := newCollectorServer(t, analytics.URL, relay.Config{})

	client, err := capture.NewCollectorClient(capture.ClientConfig{BaseURL: collector.URL, Logger: quietLogger()})
	require.NoError(t, err)
	rec := capture.NewRecorder(client, capture.WithLogger(quietLogger()))
	rec.RecordKeyDown("a", 1000)
	rec.RecordKeyUp("a", 1120)

	res, err := rec.Flush(context.Background(), "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":0.5}`, string(res.Response.Body))
	assert.Zero(t, rec.Len())

	calls, bodies := mock.snapshot()
	require.Equal(t, 1, calls)
	assert.JSONEq(t, u1Batch, string(bodies[0]))
}

func TestCollectForwardsTypingDataByteForByte(t *testing.T) {
	mock := &analyticsMock{reply: `{"ok":true}`}
	analytics := httptest.NewServer(mock)
	defer analytics.Close()
	collector := newCollectorServer(t, analytics.URL, relay.Config{})

	in := `{"typingData": [ {"keydown":true, "timestamp":5, "key":"Shift"}, {"key":"B","timestamp":6,"keydown":true} ], "userId":"u9", "extra":1}`
	resp, body := post(t, collector.URL+"/collect", in)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))

	_, bodies := mock.snapshot()
	require.Len(t, bodies, 1)
	assert.Equal(t,
		`{"userId":"u9","typingData":[ {"keydown":true, "timestamp":5, "key":"Shift"}, {"key":"B","timestamp":6,"keydown":true} ]}`,
		string(bodies[0]))
}

func TestCollectUpstreamRejectionIsBadRequest(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		var calls atomic.Int32
		analytics := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "<html>not found</html>")
		}))
		collector := newCollectorServer(t, analytics.URL, relay.Config{MaxAttempts: 3}, WithLegacyErrors(legacy))

		resp, body := post(t, collector.URL+"/collect", u1Batch)
		analytics.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "legacy=%v", legacy)
		assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		assert.NotContains(t, string(body), "<html>")
		assert.Contains(t, errorField(t, body), "404")
		assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	}
}

func TestCollectValidation(t *testing.T) {
	mock := &analyticsMock{reply: `{}`}
	analytics := httptest.NewServer(mock)
	defer analytics.Close()
	collector := newCollectorServer(t, analytics.URL, relay.Config{}, WithMaxBody(256))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"userId":`, http.StatusBadRequest},
		{"missing user", `{"typingData":[]}`, http.StatusBadRequest},
		{"empty user", `{"userId":"","typingData":[]}`, http.StatusBadRequest},
		{"typingData not array", `{"userId":"u1","typingData":{}}`, http.StatusBadRequest},
		{"bad event", `{"userId":"u1","typingData":[{"key":1}]}`, http.StatusBadRequest},
		{"too large", `{"userId":"u1","typingData":[` + strings.Repeat(`{"key":"a","timestamp":1,"keydown":true},`, 10) + `]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, collector.URL+"/collect", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, errorField(t, body))
		})
	}

	calls, _ := mock.snapshot()
	assert.Zero(t, calls)

	resp, _ := post(t, collector.URL+"/collect", `{"userId":"u1","typingData":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCollectUpstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		mock       *analyticsMock
		cfg        relay.Config
		legacy     bool
		wantStatus int
	}{
		{"5xx", &analyticsMock{status: http.StatusInternalServerError}, relay.Config{}, false, http.StatusBadGateway},
		{"timeout", &analyticsMock{delay: time.Second}, relay.Config{Timeout: 50 * time.Millisecond, MaxAttempts: 1}, false, http.StatusGatewayTimeout},
		{"legacy 5xx", &analyticsMock{status: http.StatusServiceUnavailable}, relay.Config{}, true, http.StatusBadRequest},
		{"legacy timeout", &analyticsMock{delay: time.Second}, relay.Config{Timeout: 50 * time.Millisecond, MaxAttempts: 1}, true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analytics := httptest.NewServer(tt.mock)
			defer analytics.Close()
			collector := newCollectorServer(t, analytics.URL, tt.cfg, WithLegacyErrors(tt.legacy))

			resp, body := post(t, collector.URL+"/collect", u1Batch)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.NotEmpty(t, errorField(t, body))
		})
	}
}

func TestCollectUnreachableAnalytics(t *testing.T) {
	analytics := httptest.NewServer(http.NotFoundHandler())
	url := analytics.URL
	analytics.Close()
	collector := newCollectorServer(t, url, relay.Config{MaxAttempts: 1})

	resp, body := post(t, collector.URL+"/collect", u1Batch)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, errorField(t, body), "unreachable")
}

func TestFlushAgainstFailingCollectorClearsBuffer(t *testing.T) {
	analytics := httptest.NewServer(&analyticsMock{delay: time.Second})
	defer analytics.Close()
	collector := newCollectorServer(t, analytics.URL, relay.Config{Timeout: 50 * time.Millisecond, MaxAttempts: 1})

	client, err := capture.NewCollectorClient(capture.ClientConfig{
		BaseURL: collector.URL,
		Retry:   capture.RetryPolicy{MaxAttempts: 1},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	rec := capture.NewRecorder(client, capture.WithLogger(quietLogger()))
	rec.RecordKeyDown("a", 1000)

	_, err = rec.Flush(context.Background(), "u1")
	var se *capture.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusGatewayTimeout, se.StatusCode)
	assert.NotEmpty(t, se.Message)
	assert.Zero(t, rec.Len())
}

type stubLimiter struct {
	dec ratelimit.Decision
	err error
}

func (s stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) { return s.dec, s.err }

func TestCollectRateLimit(t *testing.T) {
	mock := &analyticsMock{reply: `{}`}
	analytics := httptest.NewServer(mock)
	defer analytics.Close()

	denied := newCollectorServer(t, analytics.URL, relay.Config{},
		WithLimiter(stubLimiter{dec: ratelimit.Decision{Allowed: false, RetryIn: 1500 * time.Millisecond}}))
	resp, body := post(t, denied.URL+"/collect", u1Batch)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", errorField(t, body))

	failOpen := newCollectorServer(t, analytics.URL, relay.Config{},
		WithLimiter(stubLimiter{dec: ratelimit.Decision{Allowed: true}, err: errors.New("redis down")}))
	resp, _ = post(t, failOpen.URL+"/collect", u1Batch)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	calls, _ := mock.snapshot()
	assert.Equal(t, 1, calls)
}

func TestHealthIsUnconditional(t *testing.T) {
	analytics := httptest.NewServer(http.NotFoundHandler())
	url := analytics.URL
	analytics.Close()
	collector := newCollectorServer(t, url, relay.Config{})

	resp, err := http.Get(collector.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestReady(t *testing.T) {
	mock := &analyticsMock{healthy: true}
	analytics := httptest.NewServer(mock)
	defer analytics.Close()
	collector := newCollectorServer(t, analytics.URL, relay.Config{})

	resp, err := http.Get(collector.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mock.mu.Lock()
	mock.healthy = false
	mock.mu.Unlock()
	resp, err = http.Get(collector.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCollectMethodNotAllowed(t *testing.T) {
	collector := newCollectorServer(t, "http://127.0.0.1:1", relay.Config{})
	resp, err := http.Get(collector.URL + "/collect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, config.LoadFrom(&cfg, map[string]string{}))
	assert.Equal(t, "http://localhost:5000", cfg.AnalyticsURL)
	assert.Equal(t, 5*time.Second, cfg.AnalyticsTimeout)
	assert.Equal(t, uint(2), cfg.AnalyticsMaxAttempts)
	assert.False(t, cfg.LegacyRelayErrors)
	assert.Equal(t, ":3000", cfg.Addr("3000"))
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)

	require.NoError(t, config.LoadFrom(&cfg, map[string]string{
		"LEGACY_RELAY_ERRORS":   "true",
		"ANALYTICS_SERVICE_URL": "http://analytics:5000",
		"PORT":                  "8081",
	}))
	assert.True(t, cfg.LegacyRelayErrors)
	assert.Equal(t, "http://analytics:5000", cfg.AnalyticsURL)
	assert.Equal(t, ":8081", cfg.Addr("3000"))
}
