package executor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

var (
	// ErrGateway is a transient gateway failure (network, 5xx, rate limit).
	ErrGateway = errors.New("executor: gateway error")

	// ErrTimeout is returned when the gateway did not answer within the
	// execution timeout. The order may or may not have been placed.
	ErrTimeout = errors.New("executor: gateway timeout")

	// ErrInsufficientFunds is a terminal rejection by the gateway.
	ErrInsufficientFunds = errors.New("executor: insufficient funds")

	// ErrSlippageExceeded is a terminal rejection: the fill would deviate
	// from the quote by more than the allowed tolerance.
	ErrSlippageExceeded = errors.New("executor: slippage exceeded")

	// ErrCommit means the gateway confirmed a fill that the ledger could not
	// record. The fill must be committed again, never re-placed.
	ErrCommit = errors.New("executor: fill confirmed but not committed")

	// ErrNoQuote is returned by a PriceSource with no price for a market.
	ErrNoQuote = errors.New("executor: no quote")
)

// IsRetryable reports whether err is a transient execution failure.
// ErrCommit is not retryable in this sense: the caller resumes the commit
// instead of running a new attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGateway) || errors.Is(err, ErrTimeout)
}

// Order is what the executor sends to the gateway.
type Order struct {
	// ClientOrderID is stable across retries of the same job so the gateway
	// can deduplicate.
	ClientOrderID string
	UserID        string
	MarketID      string
	Outcome       string
	Side          model.Side
	Amount        decimal.Decimal
}

// OrderFor builds the gateway order for an intent.
func OrderFor(in model.TradeIntent) Order {
	return Order{
		ClientOrderID: in.JobID,
		UserID:        in.UserID,
		MarketID:      in.MarketID,
		Outcome:       in.Outcome,
		Side:          in.Side,
		Amount:        in.Amount,
	}
}

// Fill is the gateway's confirmation of an order.
type Fill struct {
	TxID     string
	Price    decimal.Decimal
	FilledAt time.Time
}

// Gateway places orders on the external market.
type Gateway interface {
	Place(ctx context.Context, o Order) (Fill, error)
}

// PriceSource supplies current market prices.
type PriceSource interface {
	Price(ctx context.Context, marketID, outcome string) (decimal.Decimal, error)
}
