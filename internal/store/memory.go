package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[model.PositionKey]*model.Position
	trades    []model.TradeRecord
	byTxID    map[string]int // index into trades
	cooldowns map[string]time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[model.PositionKey]*model.Position),
		byTxID:    make(map[string]int),
		cooldowns: make(map[string]time.Time),
	}
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().String() < result[j].Key().String()
	})
	return result, nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	positions, err := s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return openOnly(positions), nil
}

// CommitFill checks the tx id and the version under one write lock, so the
// record and the position change together or not at all.
func (s *MemoryStore) CommitFill(_ context.Context, pos *model.Position, expectedVersion int64, rec *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byTxID[rec.TxID]; dup {
		return ErrDuplicateTx
	}

	var current int64
	if existing, ok := s.positions[pos.Key()]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	pos.Version = expectedVersion + 1
	stored := *pos
	s.positions[pos.Key()] = &stored

	s.trades = append(s.trades, *rec)
	s.byTxID[rec.TxID] = len(s.trades) - 1
	return nil
}

func (s *MemoryStore) TradeByTxID(_ context.Context, txID string) (*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byTxID[txID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := s.trades[i]
	return &rec, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) MarketExposure(_ context.Context, userID, marketID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, p := range s.positions {
		if p.UserID == userID && p.MarketID == marketID {
			total = total.Add(p.Exposure)
		}
	}
	return total, nil
}

func (s *MemoryStore) TotalExposure(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, p := range s.positions {
		if p.UserID == userID {
			total = total.Add(p.Exposure)
		}
	}
	return total, nil
}

func (s *MemoryStore) LastTradeAt(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.cooldowns[userID]
	return t, ok, nil
}

func (s *MemoryStore) SetLastTradeAt(_ context.Context, userID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cooldowns[userID] = t
	return nil
}

// PutPosition seeds a position directly, bypassing the trade log. Intended
// for tests and fixtures; the stored version is bumped.
func (s *MemoryStore) PutPosition(p model.Position) model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.Key()]; ok {
		p.Version = existing.Version + 1
	} else if p.Version == 0 {
		p.Version = 1
	}
	stored := p
	s.positions[p.Key()] = &stored
	return p
}
