// Package metrics provides Prometheus instrumentation for the agent engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsEnqueued counts intents accepted into the job store, by source.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_jobs_enqueued_total",
		Help: "Trade intents enqueued",
	}, []string{"source"})

	// JobOutcomes counts attempt outcomes by job state.
	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_job_outcomes_total",
		Help: "Job attempt outcomes by resulting state",
	}, []string{"state"})

	// JobRetries counts retries scheduled after transient failures.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_engine_job_retries_total",
		Help: "Retries scheduled after transient execution failures",
	})

	// RiskBlocks counts intents rejected by the risk gate, by reason.
	RiskBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_risk_blocks_total",
		Help: "Intents rejected by the risk gate",
	}, []string{"reason"})

	// InFlight tracks executions holding a concurrency slot in this process.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_engine_in_flight",
		Help: "Executions currently holding a concurrency slot",
	})

	// SlotSaturations counts dequeued intents pushed back because the cap was reached.
	SlotSaturations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_engine_slot_saturations_total",
		Help: "Intents requeued because the concurrency cap was reached",
	})

	// ExecutionLatency tracks gateway execution latency by result.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_engine_execution_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// ExitIntents counts exit intents emitted by the evaluator, by reason.
	ExitIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_exit_intents_total",
		Help: "Exit intents emitted by the position exit evaluator",
	}, []string{"reason"})

	// LedgerConflicts counts optimistic-lock collisions on position writes.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_engine_ledger_conflicts_total",
		Help: "Position version conflicts resolved by reapplying the fill",
	})

	// StoreErrors counts job store failures seen by the worker loop.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_store_errors_total",
		Help: "Job store operation failures",
	}, []string{"op"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
