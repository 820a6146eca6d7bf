package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/jobstore"
	"github.com/atmx/agent-engine/internal/journal"
	"github.com/atmx/agent-engine/internal/ledger"
	"github.com/atmx/agent-engine/internal/model"
	"github.com/atmx/agent-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixedLimits model.RiskLimits

func (f fixedLimits) Limits(context.Context, string) (model.RiskLimits, error) {
	return model.RiskLimits(f), nil
}

type testEnv struct {
	jobs    *jobstore.MemoryJobStore
	store   *store.MemoryStore
	journal *journal.MemoryJournal
	hub     *Hub
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:    jobstore.NewMemoryJobStore(4),
		store:   store.NewMemoryStore(),
		journal: journal.NewMemoryJournal(),
		hub:     NewHub(nil),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.hub.Run(ctx)

	srv := NewServer(Deps{
		Name:    "engine-test",
		Jobs:    env.jobs,
		Store:   env.store,
		History: env.journal,
		Limits:  fixedLimits{MaxTradeAmount: d(100)},
		Hub:     env.hub,
	})
	env.server = httptest.NewServer(srv.Routes())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body HealthResponse
	decode(t, resp, &body)
	if body.Status != "ok" || body.Service != "engine-test" {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestHealth_DegradedOnFailingCheck(t *testing.T) {
	srv := NewServer(Deps{
		Jobs:  jobstore.NewMemoryJobStore(1),
		Store: store.NewMemoryStore(),
		Checks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Components["postgres"] != "connected" || body.Components["redis"] != "error: connection refused" {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestSubmitIntent_Enqueues(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/intents",
		`{"user_id":"user1","agent_id":"agent1","market_id":"mkt1","outcome":"YES","side":"BUY","amount":"25"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out IntentResponse
	decode(t, resp, &out)
	if out.JobID == "" || out.State != model.JobPending {
		t.Errorf("unexpected response %+v", out)
	}

	queued := env.jobs.Snapshot()
	if len(queued) != 1 {
		t.Fatalf("expected 1 queued intent, got %d", len(queued))
	}
	in := queued[0]
	if in.JobID != out.JobID || in.UserID != "user1" || in.Side != model.SideBuy || !in.Amount.Equal(d(25)) {
		t.Errorf("queued intent mismatch: %+v", in)
	}
	if in.Attempt != 0 || in.Reason != model.ReasonNone || in.EnqueuedAt.IsZero() {
		t.Errorf("intake fields not set: %+v", in)
	}
}

func TestSubmitIntent_KeepsProducerJobID(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/v1/intents",
		`{"job_id":"job-42","user_id":"user1","market_id":"mkt1","outcome":"YES","side":"SELL","amount":1}`)
	if q := env.jobs.Snapshot(); len(q) != 1 || q[0].JobID != "job-42" {
		t.Errorf("expected job-42 queued, got %+v", q)
	}
}

func TestSubmitIntent_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"user_id":`, http.StatusBadRequest},
		{"missing user", `{"market_id":"m","side":"BUY","amount":1}`, http.StatusBadRequest},
		{"bad side", `{"user_id":"u","market_id":"m","side":"HOLD","amount":1}`, http.StatusBadRequest},
		{"zero amount", `{"user_id":"u","market_id":"m","side":"BUY","amount":0}`, http.StatusBadRequest},
		{"missing outcome", `{"user_id":"u","market_id":"m","side":"BUY","amount":1}`, http.StatusBadRequest},
		{"over max trade amount", `{"user_id":"u","market_id":"m","outcome":"YES","side":"BUY","amount":100.01}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.post(t, "/api/v1/intents", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var body map[string]string
			decode(t, resp, &body)
			if body["error"] == "" {
				t.Error("expected error message")
			}
			if n := len(env.jobs.Snapshot()); n != 0 {
				t.Errorf("rejected intent was queued (%d)", n)
			}
		})
	}
}

func TestSubmitIntent_AtMaxTradeAmountAccepted(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/intents", `{"user_id":"u","market_id":"m","outcome":"YES","side":"BUY","amount":100}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202 at the limit, got %d", resp.StatusCode)
	}
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.jobs.Enqueue(ctx, model.TradeIntent{JobID: "a"})
	env.jobs.Enqueue(ctx, model.TradeIntent{JobID: "b"})
	env.jobs.Schedule(ctx, model.TradeIntent{JobID: "c"}, time.Hour)
	env.jobs.TryAcquireSlot(ctx)

	var stats QueueStatsResponse
	decode(t, env.get(t, "/api/v1/queue"), &stats)
	if stats.Pending != 2 || stats.Delayed != 1 || stats.InFlight != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPositionsAndTrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	l := ledger.New(env.store)
	buy := model.TradeIntent{JobID: "j1", UserID: "user1", MarketID: "mkt1", Outcome: "YES", Side: model.SideBuy, Amount: d(10)}
	if _, err := l.ApplyFill(ctx, ledger.Fill{Intent: buy, TxID: "tx1", Price: d(0.5)}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	closed := model.TradeIntent{JobID: "j2", UserID: "user1", MarketID: "mkt2", Outcome: "YES", Side: model.SideBuy, Amount: d(4)}
	l.ApplyFill(ctx, ledger.Fill{Intent: closed, TxID: "tx2", Price: d(0.4)})
	closed.JobID, closed.Side = "j3", model.SideSell
	l.ApplyFill(ctx, ledger.Fill{Intent: closed, TxID: "tx3", Price: d(0.45)})

	var all []model.Position
	decode(t, env.get(t, "/api/v1/positions/user1"), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(all))
	}

	var open []model.Position
	decode(t, env.get(t, "/api/v1/positions/user1?open=true"), &open)
	if len(open) != 1 || open[0].MarketID != "mkt1" || !open[0].Exposure.Equal(d(5)) {
		t.Errorf("unexpected open positions %+v", open)
	}

	var trades []model.TradeRecord
	decode(t, env.get(t, "/api/v1/trades/user1"), &trades)
	if len(trades) != 3 || trades[0].TxID != "tx1" {
		t.Errorf("unexpected trades %+v", trades)
	}

	var none []model.Position
	resp := env.get(t, "/api/v1/positions/nobody")
	decode(t, resp, &none)
	if resp.StatusCode != http.StatusOK || none == nil || len(none) != 0 {
		t.Errorf("expected empty list for unknown user, got %v", none)
	}
}

func TestJobHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env.journal.Record(ctx, model.JobOutcome{JobID: "job1", State: model.JobDispatched, At: at})
	env.journal.Record(ctx, model.JobOutcome{JobID: "job1", State: model.JobFilled, TxID: "tx1", At: at.Add(time.Second)})
	env.journal.Record(ctx, model.JobOutcome{JobID: "job2", State: model.JobBlocked, Reason: "cooldown", At: at.Add(2 * time.Second)})

	var hist []model.JobOutcome
	decode(t, env.get(t, "/api/v1/jobs/job1"), &hist)
	if len(hist) != 2 || hist[1].State != model.JobFilled || hist[1].TxID != "tx1" {
		t.Errorf("unexpected history %+v", hist)
	}

	if resp := env.get(t, "/api/v1/jobs/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	var recent []model.JobOutcome
	decode(t, env.get(t, "/api/v1/jobs?limit=1"), &recent)
	if len(recent) != 1 || recent[0].JobID != "job2" {
		t.Errorf("expected newest entry only, got %+v", recent)
	}

	if resp := env.get(t, "/api/v1/jobs?limit=zero"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/health")
	resp := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHub_StreamsIntakeEvents(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.hub.Clients() != 1 {
		t.Fatalf("client never registered")
	}

	env.post(t, "/api/v1/intents", `{"job_id":"job-ws","user_id":"u","market_id":"m","side":"BUY","amount":1}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "job" || ev.Job.JobID != "job-ws" || ev.Job.State != model.JobPending {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_UnregistersClosedClient(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for env.hub.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := env.hub.Clients(); n != 0 {
		t.Errorf("expected closed client to be removed, %d remain", n)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(nil) // Run not started: the buffer fills and the rest drop
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(model.JobOutcome{JobID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}
