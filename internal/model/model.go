// Package model defines the core domain types shared across the agent engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ExitReason tags intents emitted by the exit evaluator.
type ExitReason string

const (
	ReasonNone       ExitReason = ""
	ReasonStopLoss   ExitReason = "STOP_LOSS"
	ReasonTakeProfit ExitReason = "TAKE_PROFIT"
)

// TradeIntent is the job payload. Every field except Attempt is fixed once
// the intent has been enqueued.
type TradeIntent struct {
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	AgentID    string          `json:"agent_id"`
	MarketID   string          `json:"market_id"`
	Outcome    string          `json:"outcome"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     ExitReason      `json:"reason,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

var ErrInvalidIntent = errors.New("model: invalid trade intent")

// Validate checks the producer-side shape of an intent.
func (t TradeIntent) Validate() error {
	switch {
	case t.JobID == "":
		return fmt.Errorf("%w: job_id is required", ErrInvalidIntent)
	case t.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidIntent)
	case t.MarketID == "":
		return fmt.Errorf("%w: market_id is required", ErrInvalidIntent)
	case t.Outcome == "":
		return fmt.Errorf("%w: outcome is required", ErrInvalidIntent)
	case !t.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidIntent)
	case !t.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	return nil
}

// NextAttempt returns a copy of the intent with the attempt counter bumped.
func (t TradeIntent) NextAttempt() TradeIntent {
	next := t
	next.Attempt++
	return next
}

// PositionKey identifies one holding.
type PositionKey struct {
	UserID   string
	MarketID string
	Outcome  string
}

func (k PositionKey) String() string {
	return k.UserID + "/" + k.MarketID + "/" + k.Outcome
}

// Position is the authoritative record of a (user, market, outcome) holding.
// Shares is signed: BUY increases it, SELL decreases it. Positions are never
// deleted; a closed position stays with Shares = 0.
type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	Outcome       string          `json:"outcome"`
	Shares        decimal.Decimal `json:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Exposure      decimal.Decimal `json:"exposure"` // |shares| * avgEntryPrice
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the position identity.
func (p Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID, Outcome: p.Outcome}
}

// IsOpen reports whether the position holds any shares.
func (p Position) IsOpen() bool {
	return !p.Shares.IsZero()
}

// TradeStatus is the lifecycle state of a TradeRecord.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeFilled    TradeStatus = "FILLED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeFailed    TradeStatus = "FAILED"
)

// TradeRecord is an append-only record of one executed trade. TxID is unique
// and doubles as the idempotency key for ledger commits.
type TradeRecord struct {
	TradeID   string          `json:"trade_id"`
	UserID    string          `json:"user_id"`
	AgentID   string          `json:"agent_id"`
	MarketID  string          `json:"market_id"`
	Outcome   string          `json:"outcome"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	TxID      string          `json:"tx_id"`
	Status    TradeStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// RiskLimits are per-user admission limits. A zero value disables the
// corresponding check.
type RiskLimits struct {
	MaxTradeAmount    decimal.Decimal `json:"max_trade_amount"`
	MaxMarketExposure decimal.Decimal `json:"max_market_exposure"`
	MaxTotalExposure  decimal.Decimal `json:"max_total_exposure"`
	Cooldown          time.Duration   `json:"cooldown"`
}

// JobState is a state in the per-job lifecycle:
// PENDING -> DISPATCHED -> {FILLED | BLOCKED | RETRY_SCHEDULED -> PENDING | FAILED}.
type JobState string

const (
	JobPending        JobState = "PENDING"
	JobDispatched     JobState = "DISPATCHED"
	JobFilled         JobState = "FILLED"
	JobBlocked        JobState = "BLOCKED"
	JobRetryScheduled JobState = "RETRY_SCHEDULED"
	JobFailed         JobState = "FAILED"
)

// IsTerminal reports whether no further attempt follows this state.
func (s JobState) IsTerminal() bool {
	return s == JobFilled || s == JobBlocked || s == JobFailed
}

// JobOutcome is one journaled state transition of a job.
type JobOutcome struct {
	JobID    string    `json:"job_id"`
	UserID   string    `json:"user_id"`
	AgentID  string    `json:"agent_id"`
	MarketID string    `json:"market_id"`
	State    JobState  `json:"state"`
	Attempt  int       `json:"attempt"`
	Reason   string    `json:"reason,omitempty"`
	TxID     string    `json:"tx_id,omitempty"`
	At       time.Time `json:"at"`
}

// Agent is an unattended trading agent acting for a user. Nil percentages
// disable the corresponding exit rule.
type Agent struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	StopLossPercent   *decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent *decimal.Decimal `json:"take_profit_percent,omitempty"`
}
