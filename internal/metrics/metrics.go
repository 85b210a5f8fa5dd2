// Package metrics exposes Prometheus collectors for grading and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autograder"

// Collector groups every metric the service records. A nil *Collector records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	judgeCalls     *prometheus.CounterVec
	judgeDuration  prometheus.Histogram
	judgeParse     *prometheus.CounterVec
	entriesGraded  *prometheus.CounterVec
	sessionsGraded *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		gatherer: reg,
		judgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_calls_total",
			Help:      "AI judge call attempts by outcome.",
		}, []string{"outcome"}),
		judgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_call_duration_seconds",
			Help:      "Duration of single AI judge call attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		judgeParse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_results_total",
			Help:      "Text grading results by the parse stage that produced them.",
		}, []string{"source"}),
		entriesGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_graded_total",
			Help:      "Graded answer entries by question type and correctness.",
		}, []string{"type", "correctness"}),
		sessionsGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_graded_total",
			Help:      "Grading runs by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(c.judgeCalls, c.judgeDuration, c.judgeParse, c.entriesGraded,
		c.sessionsGraded, c.httpRequests, c.httpDuration)
	return c
}

// JudgeCall records one attempt against the AI provider.
// outcome is "success", "transient" or "permanent".
func (c *Collector) JudgeCall(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.judgeCalls.WithLabelValues(outcome).Inc()
	c.judgeDuration.Observe(d.Seconds())
}

// JudgeResult records which parse stage produced a text grading result.
func (c *Collector) JudgeResult(source string) {
	if c == nil {
		return
	}
	c.judgeParse.WithLabelValues(source).Inc()
}

// EntryGraded records one graded answer.
func (c *Collector) EntryGraded(questionType, correctness string) {
	if c == nil {
		return
	}
	c.entriesGraded.WithLabelValues(questionType, correctness).Inc()
}

// SessionGraded records the end of a grading run. result is "graded" or "error".
func (c *Collector) SessionGraded(result string) {
	if c == nil {
		return
	}
	c.sessionsGraded.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
