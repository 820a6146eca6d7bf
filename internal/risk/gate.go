// Package risk implements the admission gate consulted before every trade
// attempt: a cooldown since the user's last successful trade, a per-market
// exposure cap, and a total exposure cap, checked in that order.
//
// Validate never mutates state so a rejected or retried job cannot reset a
// cooldown; callers stamp the cooldown with RecordTrade after a fill.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

var (
	// ErrCooldownActive is returned when the user traded less than the
	// configured cooldown ago.
	ErrCooldownActive = errors.New("risk: cooldown active")

	// ErrMarketExposureExceeded is returned when a trade would push the
	// user's exposure in one market beyond its maximum.
	ErrMarketExposureExceeded = errors.New("risk: market exposure limit exceeded")

	// ErrTotalExposureExceeded is returned when a trade would push the
	// user's exposure across all markets beyond its maximum.
	ErrTotalExposureExceeded = errors.New("risk: total exposure limit exceeded")
)

// Block reasons, in evaluation order.
const (
	ReasonCooldown       = "cooldown"
	ReasonMarketExposure = "market exposure"
	ReasonTotalExposure  = "total exposure"
)

// LimitsProvider returns per-user risk limits.
type LimitsProvider interface {
	Limits(ctx context.Context, userID string) (model.RiskLimits, error)
}

// StateReader exposes the ledger state the gate reads, plus the cooldown
// stamp written by RecordTrade. store.Store satisfies it.
type StateReader interface {
	MarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error)
	TotalExposure(ctx context.Context, userID string) (decimal.Decimal, error)
	LastTradeAt(ctx context.Context, userID string) (time.Time, bool, error)
	SetLastTradeAt(ctx context.Context, userID string, t time.Time) error
}

// Request is the part of an intent the gate evaluates.
type Request struct {
	UserID   string
	MarketID string
	Amount   decimal.Decimal
}

// RequestFor extracts the gate request from an intent.
func RequestFor(in model.TradeIntent) Request {
	return Request{UserID: in.UserID, MarketID: in.MarketID, Amount: in.Amount}
}

// Decision is the gate's verdict. When Allowed is false, Reason names the
// first failing check and Err is the matching sentinel.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

func allow() Decision { return Decision{Allowed: true} }

func block(reason string, err error) Decision {
	return Decision{Reason: reason, Err: err}
}

// Gate evaluates admission requests. It holds no per-user state of its own.
type Gate struct {
	limits LimitsProvider
	state  StateReader
	now    func() time.Time
}

// NewGate creates a gate over a limits provider and ledger state.
func NewGate(limits LimitsProvider, state StateReader) *Gate {
	return &Gate{
		limits: limits,
		state:  state,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides time.Now, for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Validate runs the checks in order and stops at the first failure. A
// returned error means the state could not be read, not that the request
// was rejected.
//
// maxTradeAmount is not checked here; producers enforce it at intake.
func (g *Gate) Validate(ctx context.Context, req Request) (Decision, error) {
	limits, err := g.limits.Limits(ctx, req.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("load limits for %s: %w", req.UserID, err)
	}

	// 1. Cooldown.
	if limits.Cooldown > 0 {
		last, ok, err := g.state.LastTradeAt(ctx, req.UserID)
		if err != nil {
			return Decision{}, fmt.Errorf("read cooldown for %s: %w", req.UserID, err)
		}
		if ok && g.now().Sub(last) < limits.Cooldown {
			return block(ReasonCooldown, ErrCooldownActive), nil
		}
	}

	// 2. Market exposure.
	if limits.MaxMarketExposure.IsPositive() {
		current, err := g.state.MarketExposure(ctx, req.UserID, req.MarketID)
		if err != nil {
			return Decision{}, fmt.Errorf("read market exposure for %s: %w", req.UserID, err)
		}
		if current.Add(req.Amount).GreaterThan(limits.MaxMarketExposure) {
			return block(ReasonMarketExposure, ErrMarketExposureExceeded), nil
		}
	}

	// 3. Total exposure.
	if limits.MaxTotalExposure.IsPositive() {
		current, err := g.state.TotalExposure(ctx, req.UserID)
		if err != nil {
			return Decision{}, fmt.Errorf("read total exposure for %s: %w", req.UserID, err)
		}
		if current.Add(req.Amount).GreaterThan(limits.MaxTotalExposure) {
			return block(ReasonTotalExposure, ErrTotalExposureExceeded), nil
		}
	}

	return allow(), nil
}

// RecordTrade stamps the start of the user's cooldown.
func (g *Gate) RecordTrade(ctx context.Context, userID string) error {
	if err := g.state.SetLastTradeAt(ctx, userID, g.now()); err != nil {
		return fmt.Errorf("record trade for %s: %w", userID, err)
	}
	return nil
}
