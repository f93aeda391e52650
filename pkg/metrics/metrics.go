package metrics

import (
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// HTTPMetrics exposes basic HTTP request metrics
type HTTPMetrics struct {
	RequestsTotal *prometheus.CounterVec
	ErrorsTotal   prometheus.Counter
	Duration      *prometheus.HistogramVec

	pathAllowlist []string
	pathRegexps   []*regexp.Regexp
	pathMode      string
}

func NewHTTPMetrics(reg prometheus.Registerer, service string) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: service,
			Name:      "http_errors_total",
			Help:      "Total HTTP 5xx responses.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration seconds by method and path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		pathAllowlist: allowlistFromEnv(service, []string{"/health", "/ready", "/metrics", "/collect", "/analyze", "/auth/verify"}),
		pathRegexps:   regexAllowlistFromEnv(service),
		pathMode:      pathModeFromEnv(service),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.ErrorsTotal, m.Duration)
	}
	return m
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		p := normalizePath(r.URL.Path, m.pathAllowlist, m.pathRegexps, m.pathMode)
		m.RequestsTotal.WithLabelValues(r.Method, p, strconv.Itoa(sr.status)).Inc()
		if sr.status >= 500 {
			m.ErrorsTotal.Inc()
		}
		m.Duration.WithLabelValues(r.Method, p).Observe(time.Since(start).Seconds())
	})
}

// RelayMetrics tracks the collector to analytics hop.
type RelayMetrics struct {
	Outcomes *prometheus.CounterVec
	Attempts prometheus.Counter
	Duration prometheus.Histogram
}

func NewRelayMetrics(reg prometheus.Registerer, service string) *RelayMetrics {
	m := &RelayMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relayed requests by outcome.",
		}, []string{"outcome"}),
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: service,
			Subsystem: "relay",
			Name:      "attempts_total",
			Help:      "Outbound attempts including retries.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: service,
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "End-to-end relay duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Outcomes, m.Attempts, m.Duration)
	}
	return m
}

// normalizePath reduces path cardinality by:
// - keeping known low-cardinality paths as-is (allowlist prefixes)
// - keeping paths that match configured regex allowlist as-is
// - replacing path segments that look like IDs with :id (heuristic mode)
// - or collapsing to ":other" (strict mode)
func normalizePath(path string, allow []string, rxps []*regexp.Regexp, mode string) string {
	if path == "" {
		return "/"
	}
	for _, pref := range allow {
		if pref != "" && strings.HasPrefix(path, pref) {
			return path
		}
	}
	for _, rx := range rxps {
		if rx.MatchString(path) {
			return path
		}
	}
	if mode == "strict" {
		return ":other"
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s != "" && looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	np := strings.Join(segs, "/")
	if !strings.HasPrefix(np, "/") {
		np = "/" + np
	}
	return np
}

func looksLikeID(s string) bool {
	isHex, isDigits := true, true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			isDigits = false
			if !((c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
				isHex = false
			}
		}
	}
	return (isHex && len(s) >= 8) || (isDigits && len(s) > 3)
}

// allowlistFromEnv reads SERVICE_HTTP_PATH_ALLOWLIST, then HTTP_PATH_ALLOWLIST.
func allowlistFromEnv(service string, def []string) []string {
	if v := os.Getenv(envKey(service, "HTTP_PATH_ALLOWLIST")); v != "" {
		return splitCSV(v)
	}
	if v := os.Getenv("HTTP_PATH_ALLOWLIST"); v != "" {
		return splitCSV(v)
	}
	return def
}

func regexAllowlistFromEnv(service string) []*regexp.Regexp {
	raw := os.Getenv(envKey(service, "HTTP_PATH_REGEX"))
	if raw == "" {
		raw = os.Getenv("HTTP_PATH_REGEX")
	}
	var out []*regexp.Regexp
	for _, expr := range splitCSV(raw) {
		if rx, err := regexp.Compile(expr); err == nil {
			out = append(out, rx)
		}
	}
	return out
}

// pathModeFromEnv returns "heuristic" (default) or "strict".
func pathModeFromEnv(service string) string {
	for _, key := range []string{envKey(service, "HTTP_PATH_MODE"), "HTTP_PATH_MODE"} {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
		case "strict":
			return "strict"
		case "heuristic":
			return "heuristic"
		}
	}
	return "heuristic"
}

func envKey(service, suffix string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(service)) + "_" + suffix
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
