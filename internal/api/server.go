// Package api exposes the engine's operational HTTP surface: intent intake
// for upstream producers, position/trade/job queries, queue stats, metrics
// and a WebSocket stream of job state transitions.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/jobstore"
	"github.com/atmx/agent-engine/internal/metrics"
	"github.com/atmx/agent-engine/internal/model"
	"github.com/atmx/agent-engine/internal/risk"
	"github.com/atmx/agent-engine/internal/store"
)

const defaultRecentLimit = 50

// JobHistory lists journaled job transitions.
type JobHistory interface {
	ListByJob(ctx context.Context, jobID string) ([]model.JobOutcome, error)
	ListRecent(ctx context.Context, limit int) ([]model.JobOutcome, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	name    string
	jobs    jobstore.JobStore
	store   store.Store
	history JobHistory
	limits  risk.LimitsProvider
	hub     *Hub
	checks  map[string]func(context.Context) error
	logger  *slog.Logger
	now     func() time.Time
}

// Deps groups the collaborators of a Server. Hub and Checks may be nil.
type Deps struct {
	Name    string
	Jobs    jobstore.JobStore
	Store   store.Store
	History JobHistory
	Limits  risk.LimitsProvider
	Hub     *Hub
	Checks  map[string]func(context.Context) error // dependency pings for /health
	Logger  *slog.Logger
}

// NewServer creates the HTTP handlers.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := d.Name
	if name == "" {
		name = "agent-engine"
	}
	return &Server{
		name:    name,
		jobs:    d.Jobs,
		store:   d.Store,
		history: d.History,
		limits:  d.Limits,
		hub:     d.Hub,
		checks:  d.Checks,
		logger:  logger,
		now:     time.Now,
	}
}

// Routes builds the chi router with middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/intents", s.SubmitIntent)
			r.Get("/queue", s.QueueStats)

			r.Get("/positions/{userID}", s.ListPositions)
			r.Get("/trades/{userID}", s.ListTrades)

			r.Get("/jobs", s.RecentJobs)
			r.Get("/jobs/{jobID}", s.GetJob)
		})
	})
	return r
}

// --- Request/Response types ---

// IntentRequest is the JSON body for POST /api/v1/intents. JobID is
// optional; producers that retry their own submissions should set it.
type IntentRequest struct {
	JobID    string          `json:"job_id,omitempty"`
	UserID   string          `json:"user_id"`
	AgentID  string          `json:"agent_id"`
	MarketID string          `json:"market_id"`
	Outcome  string          `json:"outcome"`
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
}

// IntentResponse is returned from POST /api/v1/intents.
type IntentResponse struct {
	JobID      string         `json:"job_id"`
	State      model.JobState `json:"state"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// QueueStatsResponse is returned from GET /api/v1/queue.
type QueueStatsResponse struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// --- HTTP Handlers ---

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components,omitempty"`
}

// Health handles GET /health
// Any failing dependency check turns the status to "degraded" with a 503.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Service: s.name}
	status := http.StatusOK
	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Components[name] = "error: " + err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "connected"
	}
	writeJSON(w, status, resp)
}

// SubmitIntent handles POST /api/v1/intents
func (s *Server) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	intent := model.TradeIntent{
		JobID:      req.JobID,
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Amount:     req.Amount,
		EnqueuedAt: s.now().UTC(),
	}
	if intent.JobID == "" {
		intent.JobID = uuid.NewString()
	}
	if err := intent.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	limits, err := s.limits.Limits(ctx, intent.UserID)
	if err != nil {
		s.logger.Error("limits lookup failed", "user", intent.UserID, "err", err)
		writeError(w, "failed to load risk limits", http.StatusInternalServerError)
		return
	}
	if limits.MaxTradeAmount.IsPositive() && intent.Amount.GreaterThan(limits.MaxTradeAmount) {
		writeError(w, "amount exceeds max trade amount "+limits.MaxTradeAmount.String(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.jobs.Enqueue(ctx, intent); err != nil {
		s.logger.Error("enqueue failed", "job_id", intent.JobID, "err", err)
		writeError(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics.JobsEnqueued.WithLabelValues("api").Inc()

	s.logger.Info("intent accepted",
		"job_id", intent.JobID,
		"user", intent.UserID,
		"market", intent.MarketID,
		"side", intent.Side,
		"amount", intent.Amount.String(),
	)

	if s.hub != nil {
		s.hub.Publish(model.JobOutcome{
			JobID:    intent.JobID,
			UserID:   intent.UserID,
			AgentID:  intent.AgentID,
			MarketID: intent.MarketID,
			State:    model.JobPending,
			At:       intent.EnqueuedAt,
		})
	}

	writeJSON(w, http.StatusAccepted, IntentResponse{
		JobID:      intent.JobID,
		State:      model.JobPending,
		EnqueuedAt: intent.EnqueuedAt,
	})
}

// QueueStats handles GET /api/v1/queue
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp QueueStatsResponse
	var err error
	if resp.Pending, err = s.jobs.Pending(ctx); err == nil {
		if resp.Delayed, err = s.jobs.Delayed(ctx); err == nil {
			resp.InFlight, err = s.jobs.InFlight(ctx)
		}
	}
	if err != nil {
		writeError(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPositions handles GET /api/v1/positions/{userID}
// With ?open=true only positions holding shares are returned.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	var positions []model.Position
	var err error
	if r.URL.Query().Get("open") == "true" {
		positions, err = s.store.ListOpenPositions(ctx, userID)
	} else {
		positions, err = s.store.ListPositions(ctx, userID)
	}
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListTrades handles GET /api/v1/trades/{userID}
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.store.ListTrades(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetJob handles GET /api/v1/jobs/{jobID}
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	entries, err := s.history.ListByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, "failed to load job history", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		writeError(w, "job not found: "+jobID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RecentJobs handles GET /api/v1/jobs?limit=N
func (s *Server) RecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load job history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JobOutcome{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// cors allows the operator dashboard to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
