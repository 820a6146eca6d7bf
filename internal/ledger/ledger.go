// Package ledger owns the position averaging and exposure algorithm and
// commits confirmed fills to the store exactly once per tx id.
//
// Concurrent fills on the same position are resolved with optimistic
// locking: a commit that loses a version race re-reads the position and
// reapplies the fill. A fill the gateway confirmed is never dropped.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/metrics"
	"github.com/atmx/agent-engine/internal/model"
	"github.com/atmx/agent-engine/internal/store"
)

// ErrLedgerConflict is returned when a fill could not be committed within
// the configured number of optimistic-lock retries.
var ErrLedgerConflict = errors.New("ledger: position update conflict")

// DefaultMaxConflictRetries bounds re-read-and-reapply cycles per fill.
const DefaultMaxConflictRetries = 16

// Fill is a gateway-confirmed execution of an intent.
type Fill struct {
	Intent model.TradeIntent
	TxID   string
	Price  decimal.Decimal
}

// Apply computes the position that results from trading qty at price.
// pos may be nil for a first trade. The input is not modified.
//
// The average entry price moves only when the trade grows |shares| in the
// existing direction; reducing, closing or flipping keeps it. Exposure is
// always |shares| * avgEntryPrice.
func Apply(pos *model.Position, key model.PositionKey, side model.Side, qty, price decimal.Decimal, now time.Time) model.Position {
	delta := qty.Mul(side.Sign())

	var next model.Position
	if pos == nil || pos.Shares.IsZero() {
		// First trade, or re-opening a flat position.
		next = model.Position{
			UserID:        key.UserID,
			MarketID:      key.MarketID,
			Outcome:       key.Outcome,
			Shares:        delta,
			AvgEntryPrice: price,
		}
		if pos != nil {
			next.Version = pos.Version
		}
	} else {
		next = *pos
		newShares := pos.Shares.Add(delta)
		increasing := newShares.Sign() == pos.Shares.Sign() &&
			newShares.Abs().GreaterThan(pos.Shares.Abs())
		if increasing {
			next.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Shares).
				Add(price.Mul(delta)).
				Div(newShares)
		}
		next.Shares = newShares
	}

	next.Exposure = next.Shares.Abs().Mul(next.AvgEntryPrice)
	next.UpdatedAt = now
	return next
}

// Ledger applies fills to positions stored in a store.Store.
type Ledger struct {
	store      store.Store
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxConflictRetries overrides DefaultMaxConflictRetries.
func WithMaxConflictRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      st,
		maxRetries: DefaultMaxConflictRetries,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyFill commits a fill and returns the updated position. Replaying a
// fill whose tx id is already recorded returns the current position without
// creating a second record or mutating the position again.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (model.Position, error) {
	if f.TxID == "" {
		return model.Position{}, errors.New("ledger: fill has no tx id")
	}
	in := f.Intent
	key := model.PositionKey{UserID: in.UserID, MarketID: in.MarketID, Outcome: in.Outcome}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		if _, err := l.store.TradeByTxID(ctx, f.TxID); err == nil {
			return l.current(ctx, key)
		} else if !errors.Is(err, store.ErrNotFound) {
			return model.Position{}, fmt.Errorf("check tx %s: %w", f.TxID, err)
		}

		existing, err := l.store.GetPosition(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.Position{}, fmt.Errorf("read position %s: %w", key, err)
		}
		var version int64
		if existing != nil {
			version = existing.Version
		}

		now := l.now()
		next := Apply(existing, key, in.Side, in.Amount, f.Price, now)
		rec := &model.TradeRecord{
			TradeID:   uuid.New().String(),
			UserID:    in.UserID,
			AgentID:   in.AgentID,
			MarketID:  in.MarketID,
			Outcome:   in.Outcome,
			Side:      in.Side,
			Amount:    in.Amount,
			Price:     f.Price,
			TxID:      f.TxID,
			Status:    model.TradeFilled,
			CreatedAt: now,
		}

		err = l.store.CommitFill(ctx, &next, version, rec)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, store.ErrDuplicateTx):
			return l.current(ctx, key)
		case errors.Is(err, store.ErrVersionConflict):
			metrics.LedgerConflicts.Inc()
			l.logger.Debug("ledger version conflict, reapplying fill",
				"tx_id", f.TxID,
				"position", key.String(),
				"attempt", attempt,
			)
			if err := sleepJitter(ctx, attempt); err != nil {
				return model.Position{}, err
			}
		default:
			return model.Position{}, fmt.Errorf("commit fill %s: %w", f.TxID, err)
		}
	}

	return model.Position{}, fmt.Errorf("%w: tx %s on %s after %d attempts",
		ErrLedgerConflict, f.TxID, key, l.maxRetries)
}

func (l *Ledger) current(ctx context.Context, key model.PositionKey) (model.Position, error) {
	p, err := l.store.GetPosition(ctx, key)
	if err != nil {
		return model.Position{}, fmt.Errorf("read position %s: %w", key, err)
	}
	return *p, nil
}

func sleepJitter(ctx context.Context, attempt int) error {
	ceiling := time.Duration(attempt) * time.Millisecond
	t := time.NewTimer(time.Duration(rand.Int64N(int64(ceiling)) + 1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
