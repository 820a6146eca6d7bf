package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position listings. Writes go to the primary store and invalidate
// the cache. Reads that feed admission or ledger decisions (single positions,
// exposures, cooldowns, tx lookups) always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CommitFill(ctx context.Context, pos *model.Position, expectedVersion int64, rec *model.TradeRecord) error {
	if err := s.primary.CommitFill(ctx, pos, expectedVersion, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(pos.UserID))
	return nil
}

func (s *CachedStore) SetLastTradeAt(ctx context.Context, userID string, t time.Time) error {
	return s.primary.SetLastTradeAt(ctx, userID, t)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	positions, err := s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return openOnly(positions), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) TradeByTxID(ctx context.Context, txID string) (*model.TradeRecord, error) {
	return s.primary.TradeByTxID(ctx, txID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx, userID)
}

func (s *CachedStore) MarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error) {
	return s.primary.MarketExposure(ctx, userID, marketID)
}

func (s *CachedStore) TotalExposure(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.TotalExposure(ctx, userID)
}

func (s *CachedStore) LastTradeAt(ctx context.Context, userID string) (time.Time, bool, error) {
	return s.primary.LastTradeAt(ctx, userID)
}

// --- Cache helpers ---

func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
