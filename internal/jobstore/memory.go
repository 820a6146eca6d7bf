package jobstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/agent-engine/internal/model"
)

type delayedEntry struct {
	due    time.Time
	seq    uint64
	intent model.TradeIntent
}

// MemoryJobStore implements JobStore with in-process slices. Used for tests
// and single-process deployments (no persistence across restarts).
type MemoryJobStore struct {
	limit int64

	mu       sync.Mutex
	pending  []model.TradeIntent
	delayed  []delayedEntry // sorted by (due, seq)
	seq      uint64
	attempts map[string]int

	inFlight atomic.Int64
}

// NewMemoryJobStore creates an in-memory job store with concurrency limit c.
func NewMemoryJobStore(c int) *MemoryJobStore {
	if c < 1 {
		c = 1
	}
	return &MemoryJobStore{
		limit:    int64(c),
		attempts: make(map[string]int),
	}
}

func (s *MemoryJobStore) Enqueue(_ context.Context, intent model.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, intent)
	return nil
}

func (s *MemoryJobStore) Requeue(_ context.Context, intent model.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append([]model.TradeIntent{intent}, s.pending...)
	return nil
}

func (s *MemoryJobStore) Schedule(_ context.Context, intent model.TradeIntent, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := delayedEntry{due: time.Now().Add(delay), seq: s.seq, intent: intent}
	i := sort.Search(len(s.delayed), func(i int) bool {
		d := s.delayed[i]
		return d.due.After(e.due) || (d.due.Equal(e.due) && d.seq > e.seq)
	})
	s.delayed = append(s.delayed, delayedEntry{})
	copy(s.delayed[i+1:], s.delayed[i:])
	s.delayed[i] = e
	return nil
}

// PromoteDue moves due entries under the same lock that guards both sets,
// so an entry is never visible in both.
func (s *MemoryJobStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.delayed) && !s.delayed[n].due.After(now) {
		s.pending = append(s.pending, s.delayed[n].intent)
		n++
	}
	s.delayed = s.delayed[n:]
	return n, nil
}

func (s *MemoryJobStore) Dequeue(_ context.Context) (model.TradeIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return model.TradeIntent{}, false, nil
	}
	intent := s.pending[0]
	s.pending[0] = model.TradeIntent{}
	s.pending = s.pending[1:]
	return intent, true, nil
}

// TryAcquireSlot uses compare-and-swap so the counter never exceeds the limit,
// not even transiently.
func (s *MemoryJobStore) TryAcquireSlot(_ context.Context) (bool, error) {
	for {
		cur := s.inFlight.Load()
		if cur >= s.limit {
			return false, nil
		}
		if s.inFlight.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (s *MemoryJobStore) ReleaseSlot(_ context.Context) error {
	for {
		cur := s.inFlight.Load()
		if cur <= 0 {
			return nil
		}
		if s.inFlight.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (s *MemoryJobStore) InFlight(_ context.Context) (int64, error) {
	return s.inFlight.Load(), nil
}

func (s *MemoryJobStore) RecordAttempt(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[jobID]++
	return s.attempts[jobID], nil
}

func (s *MemoryJobStore) ClearAttempts(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, jobID)
	return nil
}

// Attempts returns the retry counter of a job and whether one exists.
func (s *MemoryJobStore) Attempts(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.attempts[jobID]
	return n, ok
}

func (s *MemoryJobStore) Pending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

func (s *MemoryJobStore) Delayed(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.delayed)), nil
}

// Snapshot returns a copy of the pending sequence in dequeue order.
func (s *MemoryJobStore) Snapshot() []model.TradeIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TradeIntent, len(s.pending))
	copy(out, s.pending)
	return out
}
