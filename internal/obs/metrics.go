package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome and error kind.",
		},
		[]string{"decision", "kind"},
	)

	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Time spent building context, evaluating and auditing a decision.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"decision"},
	)

	consentEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_evaluations_total",
			Help: "Consent evaluations by result code.",
		},
		[]string{"code"},
	)

	auditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Audit chain appends by result.",
		},
		[]string{"result"},
	)

	availabilityUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "availability_updates_total",
			Help: "Version-guarded availability updates by outcome.",
		},
		[]string{"outcome"},
	)

	breakGlassEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakglass_events_total",
			Help: "Break-glass lifecycle events.",
		},
		[]string{"event"},
	)

	policyInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policy_info",
			Help: "Currently active policy version (value is always 1).",
		},
		[]string{"version", "label"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check succeeded.",
	})

	initOnce sync.Once
	policyMu sync.Mutex
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			decisionsTotal, decisionDuration, consentEvaluations, auditAppends,
			availabilityUpdates, breakGlassEvents, policyInfo, readyGauge,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose second segment is an identifier
var idCollections = map[string]bool{
	"availability": true,
	"consent":      true,
	"breakglass":   true,
	"entries":      true,
}

// CanonicalPath collapses identifiers out of a request path so label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if idCollections[parts[i-1]] && parts[i] != "" && !isVerb(parts[i]) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isVerb(s string) bool {
	switch s {
	case "evaluate", "revoke", "replay", "verify", "timeline", "stream":
		return true
	}
	return false
}

// ObserveDecision records one authorization decision.
func ObserveDecision(decision, kind string, d time.Duration) {
	if kind == "" {
		kind = "none"
	}
	decisionsTotal.WithLabelValues(decision, kind).Inc()
	decisionDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// ObserveConsent records one consent evaluation outcome.
func ObserveConsent(code string) {
	consentEvaluations.WithLabelValues(code).Inc()
}

// ObserveAuditAppend records an audit append result ("ok" or "error").
func ObserveAuditAppend(result string) {
	auditAppends.WithLabelValues(result).Inc()
}

// ObserveAvailabilityUpdate records an update outcome.
func ObserveAvailabilityUpdate(outcome string) {
	availabilityUpdates.WithLabelValues(outcome).Inc()
}

// ObserveBreakGlass records a break-glass lifecycle event.
func ObserveBreakGlass(event string) {
	breakGlassEvents.WithLabelValues(event).Inc()
}

// SetPolicyVersion publishes the active policy version, replacing the previous one.
func SetPolicyVersion(version, label string) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policyInfo.Reset()
	policyInfo.WithLabelValues(version, label).Set(1)
}

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
