// Package exit watches open positions on a fixed interval and emits
// closing intents when an agent's stop-loss or take-profit is crossed.
//
// Exit intents go through the same job store, risk gate and executor as any
// other intent; they are not privileged.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/executor"
	"github.com/atmx/agent-engine/internal/metrics"
	"github.com/atmx/agent-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// AgentSource lists the agents whose positions are watched.
type AgentSource interface {
	Agents(ctx context.Context) ([]model.Agent, error)
}

// PositionReader lists a user's open positions.
type PositionReader interface {
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)
}

// Enqueuer accepts exit intents.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent model.TradeIntent) error
}

// Notifier receives a PENDING outcome for every emitted exit intent.
type Notifier interface {
	Publish(o model.JobOutcome)
}

// Config holds evaluator settings.
type Config struct {
	Interval time.Duration // Sweep interval (default: 10s)
	Reemit   time.Duration // Re-emit an exit with no outcome after this long (default: 6 x Interval)
}

// Evaluator runs periodic exit sweeps.
type Evaluator struct {
	cfg       Config
	agents    AgentSource
	positions PositionReader
	prices    executor.PriceSource
	jobs      Enqueuer
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	// Last exit emitted per position. A position is not re-emitted until it
	// changes, its exit job ends without a fill, or Reemit elapses.
	mu      sync.Mutex
	emitted map[model.PositionKey]emission
	byJob   map[string]model.PositionKey

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an evaluator. A nil logger uses slog.Default().
func New(cfg Config, agents AgentSource, positions PositionReader, prices executor.PriceSource, jobs Enqueuer, logger *slog.Logger) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Reemit <= 0 {
		cfg.Reemit = 6 * cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:       cfg,
		agents:    agents,
		positions: positions,
		prices:    prices,
		jobs:      jobs,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		emitted:   make(map[model.PositionKey]emission),
		byJob:     make(map[string]model.PositionKey),
	}
}

type emission struct {
	jobID   string
	version int64
	at      time.Time
}

// SetNotifier sets the notifier for emitted exits.
func (e *Evaluator) SetNotifier(n Notifier) { e.notifier = n }

// Publish observes job outcomes from the worker pool. An exit that ends
// BLOCKED or FAILED is forgotten, so the next sweep emits it again if the
// rule still holds.
func (e *Evaluator) Publish(o model.JobOutcome) {
	if !o.State.IsTerminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.byJob[o.JobID]
	if !ok {
		return
	}
	delete(e.byJob, o.JobID)
	if o.State == model.JobFilled {
		return
	}
	if em, ok := e.emitted[key]; ok && em.jobID == o.JobID {
		delete(e.emitted, key)
	}
}

// Start begins the sweep loop.
func (e *Evaluator) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.run()

	e.logger.Info("exit evaluator started", "interval", e.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the evaluator.
func (e *Evaluator) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("exit evaluator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Evaluator) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(e.ctx); err != nil {
				e.logger.Warn("exit sweep incomplete", "emitted", n, "err", err)
			} else if n > 0 {
				e.logger.Info("exit sweep", "emitted", n)
			}
		}
	}
}

// PercentPnL returns the unrealised profit of a position in percent of its
// entry price, signed so that a gain is positive for longs and shorts alike.
func PercentPnL(p model.Position, price decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(int64(p.Shares.Sign()))
	return price.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Mul(hundred).Mul(sign)
}

// Check returns the exit rule a position triggers at price, if any.
func Check(a model.Agent, p model.Position, price decimal.Decimal) model.ExitReason {
	pnl := PercentPnL(p, price)
	if a.StopLossPercent != nil && pnl.LessThan(a.StopLossPercent.Neg()) {
		return model.ReasonStopLoss
	}
	if a.TakeProfitPercent != nil && pnl.GreaterThan(*a.TakeProfitPercent) {
		return model.ReasonTakeProfit
	}
	return model.ReasonNone
}

// Sweep evaluates every watched position once and returns how many exit
// intents were enqueued. Per-user failures are logged and joined into the
// returned error; the sweep continues with the next user.
func (e *Evaluator) Sweep(ctx context.Context) (int, error) {
	agents, err := e.agents.Agents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	var (
		emitted int
		errs    []error
		seen    = make(map[model.PositionKey]bool)
	)
	for _, a := range agents {
		if a.StopLossPercent == nil && a.TakeProfitPercent == nil {
			continue
		}
		positions, err := e.positions.ListOpenPositions(ctx, a.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions for %s: %w", a.UserID, err))
			continue
		}
		for _, p := range positions {
			seen[p.Key()] = true
			ok, err := e.evaluate(ctx, a, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				emitted++
			}
		}
	}

	e.mu.Lock()
	for k, em := range e.emitted {
		if !seen[k] {
			delete(e.emitted, k)
			delete(e.byJob, em.jobID)
		}
	}
	e.mu.Unlock()

	return emitted, errors.Join(errs...)
}

func (e *Evaluator) evaluate(ctx context.Context, a model.Agent, p model.Position) (bool, error) {
	if !p.IsOpen() {
		return false, nil
	}
	if p.AvgEntryPrice.IsZero() {
		e.logger.Debug("skipping position with zero entry price", "position", p.Key().String())
		return false, nil
	}

	price, err := e.prices.Price(ctx, p.MarketID, p.Outcome)
	if err != nil {
		if errors.Is(err, executor.ErrNoQuote) {
			e.logger.Debug("skipping position without quote", "position", p.Key().String())
			return false, nil
		}
		return false, fmt.Errorf("price %s: %w", p.Key(), err)
	}

	reason := Check(a, p, price)
	if reason == model.ReasonNone {
		return false, nil
	}

	held := model.SideBuy
	if p.Shares.IsNegative() {
		held = model.SideSell
	}
	in := model.TradeIntent{
		JobID:      uuid.New().String(),
		UserID:     p.UserID,
		AgentID:    a.ID,
		MarketID:   p.MarketID,
		Outcome:    p.Outcome,
		Side:       held.Opposite(),
		Amount:     p.Shares.Abs(),
		Reason:     reason,
		EnqueuedAt: e.now(),
	}

	key := p.Key()
	e.mu.Lock()
	prev, done := e.emitted[key]
	if done && prev.version == p.Version && in.EnqueuedAt.Sub(prev.at) < e.cfg.Reemit {
		e.mu.Unlock()
		return false, nil
	}
	if done {
		delete(e.byJob, prev.jobID)
	}
	e.emitted[key] = emission{jobID: in.JobID, version: p.Version, at: in.EnqueuedAt}
	e.byJob[in.JobID] = key
	e.mu.Unlock()

	if err := e.jobs.Enqueue(ctx, in); err != nil {
		e.mu.Lock()
		delete(e.emitted, key)
		delete(e.byJob, in.JobID)
		e.mu.Unlock()
		return false, fmt.Errorf("enqueue exit for %s: %w", key, err)
	}

	metrics.JobsEnqueued.WithLabelValues("exit").Inc()
	metrics.ExitIntents.WithLabelValues(string(reason)).Inc()
	e.logger.Info("exit intent emitted",
		"job_id", in.JobID,
		"agent", a.ID,
		"position", p.Key().String(),
		"reason", reason,
		"shares", p.Shares.String(),
		"avg_entry_price", p.AvgEntryPrice.String(),
		"price", price.String(),
	)
	if e.notifier != nil {
		e.notifier.Publish(model.JobOutcome{
			JobID:    in.JobID,
			UserID:   in.UserID,
			AgentID:  in.AgentID,
			MarketID: in.MarketID,
			State:    model.JobPending,
			Reason:   string(reason),
			At:       in.EnqueuedAt,
		})
	}
	return true, nil
}
