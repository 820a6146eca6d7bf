package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func position(user, market, outcome string, shares, avg float64) *model.Position {
	p := &model.Position{
		UserID:        user,
		MarketID:      market,
		Outcome:       outcome,
		Shares:        d(shares),
		AvgEntryPrice: d(avg),
		UpdatedAt:     time.Now().UTC(),
	}
	p.Exposure = p.Shares.Abs().Mul(p.AvgEntryPrice)
	return p
}

func record(user, market, txID string) *model.TradeRecord {
	return &model.TradeRecord{
		TradeID:   "trade-" + txID,
		UserID:    user,
		AgentID:   "agent1",
		MarketID:  market,
		Outcome:   "YES",
		Side:      model.SideBuy,
		Amount:    d(10),
		Price:     d(0.5),
		TxID:      txID,
		Status:    model.TradeFilled,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCommitFill_CreatesPositionAndRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos := position("user1", "mkt1", "YES", 10, 0.5)
	if err := s.CommitFill(ctx, pos, 0, record("user1", "mkt1", "tx1")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if pos.Version != 1 {
		t.Errorf("expected version 1, got %d", pos.Version)
	}

	got, err := s.GetPosition(ctx, pos.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Shares.Equal(d(10)) {
		t.Errorf("expected shares 10, got %s", got.Shares)
	}

	rec, err := s.TradeByTxID(ctx, "tx1")
	if err != nil {
		t.Fatalf("trade by tx: %v", err)
	}
	if rec.Status != model.TradeFilled {
		t.Errorf("expected FILLED, got %s", rec.Status)
	}
}

func TestCommitFill_DuplicateTx(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CommitFill(ctx, position("user1", "mkt1", "YES", 10, 0.5), 0, record("user1", "mkt1", "tx1"))

	pos := position("user1", "mkt1", "YES", 20, 0.5)
	err := s.CommitFill(ctx, pos, 1, record("user1", "mkt1", "tx1"))
	if !errors.Is(err, ErrDuplicateTx) {
		t.Fatalf("expected ErrDuplicateTx, got %v", err)
	}

	got, _ := s.GetPosition(ctx, pos.Key())
	if !got.Shares.Equal(d(10)) {
		t.Errorf("duplicate commit must not change the position, shares=%s", got.Shares)
	}
	trades, _ := s.ListTrades(ctx, "user1")
	if len(trades) != 1 {
		t.Errorf("expected 1 trade record, got %d", len(trades))
	}
}

func TestCommitFill_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CommitFill(ctx, position("user1", "mkt1", "YES", 10, 0.5), 0, record("user1", "mkt1", "tx1"))

	// Stale writer still believes the position is absent.
	err := s.CommitFill(ctx, position("user1", "mkt1", "YES", 5, 0.4), 0, record("user1", "mkt1", "tx2"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.TradeByTxID(ctx, "tx2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflicting commit must not append a record, got %v", err)
	}
}

func TestExposureSums(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CommitFill(ctx, position("user1", "mkt1", "YES", 10, 0.5), 0, record("user1", "mkt1", "tx1"))
	s.CommitFill(ctx, position("user1", "mkt1", "NO", -4, 0.25), 0, record("user1", "mkt1", "tx2"))
	s.CommitFill(ctx, position("user1", "mkt2", "YES", 100, 0.1), 0, record("user1", "mkt2", "tx3"))
	s.CommitFill(ctx, position("user2", "mkt1", "YES", 100, 0.9), 0, record("user2", "mkt1", "tx4"))

	market, _ := s.MarketExposure(ctx, "user1", "mkt1")
	if !market.Equal(d(6)) {
		t.Errorf("market exposure: expected 6, got %s", market)
	}
	total, _ := s.TotalExposure(ctx, "user1")
	if !total.Equal(d(16)) {
		t.Errorf("total exposure: expected 16, got %s", total)
	}
}

func TestListOpenPositions_SkipsClosed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.PutPosition(*position("user1", "mkt1", "YES", 0, 0.5))
	s.PutPosition(*position("user1", "mkt2", "YES", 3, 0.5))

	open, _ := s.ListOpenPositions(ctx, "user1")
	if len(open) != 1 || open[0].MarketID != "mkt2" {
		t.Errorf("expected only mkt2 open, got %+v", open)
	}
	all, _ := s.ListPositions(ctx, "user1")
	if len(all) != 2 {
		t.Errorf("closed positions stay as history, got %d", len(all))
	}
}

func TestCooldownStamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := s.LastTradeAt(ctx, "user1"); ok {
		t.Fatal("expected no stamp")
	}
	now := time.Now().UTC()
	s.SetLastTradeAt(ctx, "user1", now)
	got, ok, _ := s.LastTradeAt(ctx, "user1")
	if !ok || !got.Equal(now) {
		t.Errorf("expected %s, got %s ok=%v", now, got, ok)
	}
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	primary := NewMemoryStore()
	cs := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	if err := cs.CommitFill(ctx, position("user1", "mkt1", "YES", 10, 0.5), 0, record("user1", "mkt1", "tx1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	first, _ := cs.ListPositions(ctx, "user1")
	if len(first) != 1 {
		t.Fatalf("expected 1 position, got %d", len(first))
	}
	if !mr.Exists("positions:user1") {
		t.Fatal("expected positions to be cached")
	}

	pos := position("user1", "mkt1", "YES", 15, 0.5)
	if err := cs.CommitFill(ctx, pos, 1, record("user1", "mkt1", "tx2")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mr.Exists("positions:user1") {
		t.Error("commit should invalidate the cached positions")
	}

	second, _ := cs.ListPositions(ctx, "user1")
	if !second[0].Shares.Equal(d(15)) {
		t.Errorf("expected fresh shares 15, got %s", second[0].Shares)
	}
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	primary := NewMemoryStore()
	cs := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	primary.PutPosition(*position("user1", "mkt1", "YES", 10, 0.5))
	cs.ListPositions(ctx, "user1")

	// A write that bypasses the cache is not visible until invalidation.
	primary.PutPosition(*position("user1", "mkt2", "YES", 1, 0.5))
	cached, _ := cs.ListPositions(ctx, "user1")
	if len(cached) != 1 {
		t.Errorf("expected cached listing with 1 position, got %d", len(cached))
	}

	// Exposure reads bypass the cache.
	total, _ := cs.TotalExposure(ctx, "user1")
	if !total.Equal(d(5.5)) {
		t.Errorf("expected live total exposure 5.5, got %s", total)
	}
}
