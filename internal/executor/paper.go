package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

var bpsDivisor = decimal.NewFromInt(10000)

// PaperConfig holds the paper gateway's simulation parameters.
type PaperConfig struct {
	// SlippageBps is applied to every fill: buys fill higher, sells lower.
	SlippageBps int64
	// ImpactBps adds size-dependent slippage per unit of amount.
	ImpactBps decimal.Decimal
	// MaxSlippageBps rejects orders whose total slippage exceeds it. Zero
	// disables the check.
	MaxSlippageBps int64
	// Latency delays each fill, honouring the caller's context.
	Latency time.Duration
}

// PaperFill is a simulated execution kept for inspection.
type PaperFill struct {
	Order    Order
	Fill     Fill
	Quote    decimal.Decimal
	Slippage decimal.Decimal
}

// PaperGateway simulates order execution against a PriceSource without
// calling a real venue. Users with a configured balance are charged for
// buys and credited for sells; users without one are unlimited.
type PaperGateway struct {
	prices PriceSource
	cfg    PaperConfig
	logger *slog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	byOrder  map[string]Fill
	fills    []PaperFill
	failNext int
}

// NewPaperGateway creates a paper gateway. A nil logger uses slog.Default().
func NewPaperGateway(prices PriceSource, cfg PaperConfig, logger *slog.Logger) *PaperGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperGateway{
		prices:   prices,
		cfg:      cfg,
		logger:   logger,
		balances: make(map[string]decimal.Decimal),
		byOrder:  make(map[string]Fill),
	}
}

// SetBalance sets a user's simulated cash balance.
func (p *PaperGateway) SetBalance(userID string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[userID] = amount
}

// Balance returns a user's cash balance and whether one is configured.
func (p *PaperGateway) Balance(userID string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.balances[userID]
	return b, ok
}

// FailNext makes the next n Place calls fail with ErrGateway.
func (p *PaperGateway) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Fills returns a snapshot of all simulated fills.
func (p *PaperGateway) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]PaperFill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Place simulates an order. Orders are deduplicated by ClientOrderID.
func (p *PaperGateway) Place(ctx context.Context, o Order) (Fill, error) {
	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Fill{}, ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		return Fill{}, fmt.Errorf("%w: simulated outage", ErrGateway)
	}
	if f, ok := p.byOrder[o.ClientOrderID]; ok && o.ClientOrderID != "" {
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	quote, err := p.prices.Price(ctx, o.MarketID, o.Outcome)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: price %s/%s: %v", ErrGateway, o.MarketID, o.Outcome, err)
	}

	bps := decimal.NewFromInt(p.cfg.SlippageBps).Add(p.cfg.ImpactBps.Mul(o.Amount))
	if p.cfg.MaxSlippageBps > 0 && bps.GreaterThan(decimal.NewFromInt(p.cfg.MaxSlippageBps)) {
		return Fill{}, fmt.Errorf("%w: %s bps > %d bps", ErrSlippageExceeded, bps.StringFixed(2), p.cfg.MaxSlippageBps)
	}
	slippage := quote.Mul(bps).Div(bpsDivisor)
	price := quote.Add(slippage.Mul(o.Side.Sign()))
	cost := price.Mul(o.Amount)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Lost a race with an identical order while pricing.
	if f, ok := p.byOrder[o.ClientOrderID]; ok && o.ClientOrderID != "" {
		return f, nil
	}
	if bal, ok := p.balances[o.UserID]; ok {
		if o.Side == model.SideBuy {
			if bal.LessThan(cost) {
				return Fill{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(4), bal.StringFixed(4))
			}
			p.balances[o.UserID] = bal.Sub(cost)
		} else {
			p.balances[o.UserID] = bal.Add(cost)
		}
	}

	fill := Fill{
		TxID:     uuid.New().String(),
		Price:    price,
		FilledAt: time.Now().UTC(),
	}
	if o.ClientOrderID != "" {
		p.byOrder[o.ClientOrderID] = fill
	}
	p.fills = append(p.fills, PaperFill{Order: o, Fill: fill, Quote: quote, Slippage: slippage})

	p.logger.Info("paper fill",
		"client_order_id", o.ClientOrderID,
		"user", o.UserID,
		"market", o.MarketID,
		"outcome", o.Outcome,
		"side", o.Side,
		"amount", o.Amount.String(),
		"price", price.String(),
		"slippage", slippage.String(),
		"tx_id", fill.TxID,
	)
	return fill, nil
}

// PriceBook is an in-memory PriceSource.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
}

// NewPriceBook creates an empty price book.
func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]decimal.Decimal)}
}

func quoteKey(marketID, outcome string) string { return marketID + "/" + outcome }

// Set records the current price for a market outcome.
func (b *PriceBook) Set(marketID, outcome string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[quoteKey(marketID, outcome)] = price
}

// Price returns the current price or ErrNoQuote.
func (b *PriceBook) Price(_ context.Context, marketID, outcome string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.quotes[quoteKey(marketID, outcome)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoQuote, marketID, outcome)
	}
	return p, nil
}
