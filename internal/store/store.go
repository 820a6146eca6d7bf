// Package store defines the persistence interface for positions, trade
// records and cooldown stamps. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

var (
	// ErrNotFound is returned when a position or trade record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by CommitFill when the stored position
	// version no longer matches the expected version.
	ErrVersionConflict = errors.New("store: position version conflict")

	// ErrDuplicateTx is returned by CommitFill when a trade record with the
	// same tx id already exists.
	ErrDuplicateTx = errors.New("store: duplicate tx id")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Positions ---

	// GetPosition returns one position or ErrNotFound.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns every position of a user, closed ones included.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListOpenPositions returns the user's positions with non-zero shares.
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// CommitFill atomically appends the trade record and writes the position.
	// expectedVersion is the version the position was read at (0 = absent).
	// On success pos.Version is set to the new version.
	CommitFill(ctx context.Context, pos *model.Position, expectedVersion int64, rec *model.TradeRecord) error

	// --- Trade log ---

	// TradeByTxID returns the trade record with the given tx id or ErrNotFound.
	TradeByTxID(ctx context.Context, txID string) (*model.TradeRecord, error)

	// ListTrades returns a user's trade records, oldest first.
	ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// --- Risk reads ---

	// MarketExposure sums the exposure of a user's positions in one market.
	MarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error)

	// TotalExposure sums the exposure of all the user's positions.
	TotalExposure(ctx context.Context, userID string) (decimal.Decimal, error)

	// LastTradeAt returns the user's cooldown stamp; ok is false if never set.
	LastTradeAt(ctx context.Context, userID string) (t time.Time, ok bool, err error)

	// SetLastTradeAt stamps the start of the user's cooldown.
	SetLastTradeAt(ctx context.Context, userID string, t time.Time) error
}

func openOnly(positions []model.Position) []model.Position {
	open := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open
}
