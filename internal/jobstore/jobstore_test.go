package jobstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

func intent(id string) model.TradeIntent {
	return model.TradeIntent{
		JobID:    id,
		UserID:   "user1",
		AgentID:  "agent1",
		MarketID: "mkt1",
		Outcome:  "YES",
		Side:     model.SideBuy,
		Amount:   decimal.NewFromInt(10),
	}
}

// backends runs fn against every JobStore implementation with limit c.
func backends(t *testing.T, c int, fn func(t *testing.T, s JobStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryJobStore(c))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		fn(t, NewRedisJobStore(rdb, "test", c))
	})
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if err := s.Enqueue(ctx, intent(id)); err != nil {
				t.Fatalf("enqueue %s: %v", id, err)
			}
		}
		for _, want := range []string{"a", "b", "c"} {
			got, ok, err := s.Dequeue(ctx)
			if err != nil || !ok {
				t.Fatalf("dequeue: ok=%v err=%v", ok, err)
			}
			if got.JobID != want {
				t.Errorf("dequeue order: got %s, want %s", got.JobID, want)
			}
		}
		if _, ok, err := s.Dequeue(ctx); ok || err != nil {
			t.Errorf("empty queue should return ok=false, got ok=%v err=%v", ok, err)
		}
	})
}

func TestDequeue_PreservesPayload(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		in := intent("x")
		in.Amount = decimal.RequireFromString("12.345")
		in.Reason = model.ReasonStopLoss
		in.Attempt = 3
		s.Enqueue(ctx, in)

		got, _, _ := s.Dequeue(ctx)
		if !got.Amount.Equal(in.Amount) || got.Reason != in.Reason || got.Attempt != 3 {
			t.Errorf("payload changed in transit: %+v", got)
		}
	})
}

func TestRequeue_TakenNext(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		s.Enqueue(ctx, intent("a"))
		s.Enqueue(ctx, intent("b"))

		first, _, _ := s.Dequeue(ctx)
		if err := s.Requeue(ctx, first); err != nil {
			t.Fatalf("requeue: %v", err)
		}

		got, _, _ := s.Dequeue(ctx)
		if got.JobID != "a" {
			t.Errorf("requeued job should be dequeued next, got %s", got.JobID)
		}
	})
}

func TestScheduleAndPromoteDue(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		s.Schedule(ctx, intent("soon"), 0)
		s.Schedule(ctx, intent("later"), time.Hour)

		n, err := s.PromoteDue(ctx, time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 promoted, got %d", n)
		}

		pending, _ := s.Pending(ctx)
		delayed, _ := s.Delayed(ctx)
		if pending != 1 || delayed != 1 {
			t.Errorf("expected pending=1 delayed=1, got pending=%d delayed=%d", pending, delayed)
		}

		got, ok, _ := s.Dequeue(ctx)
		if !ok || got.JobID != "soon" {
			t.Errorf("expected promoted job 'soon', got %+v ok=%v", got, ok)
		}

		// Promoting again with the same clock moves nothing.
		n, _ = s.PromoteDue(ctx, time.Now().Add(time.Second))
		if n != 0 {
			t.Errorf("second promote should move nothing, moved %d", n)
		}
	})
}

func TestPromoteDue_OrdersByDueTime(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		s.Schedule(ctx, intent("second"), 20*time.Millisecond)
		s.Schedule(ctx, intent("first"), 0)

		s.PromoteDue(ctx, time.Now().Add(time.Minute))

		a, _, _ := s.Dequeue(ctx)
		b, _, _ := s.Dequeue(ctx)
		if a.JobID != "first" || b.JobID != "second" {
			t.Errorf("expected first then second, got %s then %s", a.JobID, b.JobID)
		}
	})
}

func TestTryAcquireSlot_RespectsLimit(t *testing.T) {
	backends(t, 2, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			ok, err := s.TryAcquireSlot(ctx)
			if err != nil || !ok {
				t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
			}
		}
		if ok, _ := s.TryAcquireSlot(ctx); ok {
			t.Fatal("third acquire should fail with limit 2")
		}
		if n, _ := s.InFlight(ctx); n != 2 {
			t.Errorf("failed acquire must not leak: in-flight=%d", n)
		}

		s.ReleaseSlot(ctx)
		if ok, _ := s.TryAcquireSlot(ctx); !ok {
			t.Error("acquire after release should succeed")
		}
	})
}

func TestReleaseSlot_NeverNegative(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		s.ReleaseSlot(ctx)
		s.ReleaseSlot(ctx)
		if n, _ := s.InFlight(ctx); n != 0 {
			t.Errorf("in-flight should stay at 0, got %d", n)
		}
	})
}

func TestTryAcquireSlot_ConcurrentCap(t *testing.T) {
	const limit = 3
	backends(t, limit, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		var active, peak atomic.Int64
		var wg sync.WaitGroup

		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					ok, err := s.TryAcquireSlot(ctx)
					if err != nil || !ok {
						continue
					}
					n := active.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					active.Add(-1)
					s.ReleaseSlot(ctx)
				}
			}()
		}
		wg.Wait()

		if p := peak.Load(); p > limit {
			t.Errorf("concurrency cap exceeded: peak=%d limit=%d", p, limit)
		}
		if n, _ := s.InFlight(ctx); n != 0 {
			t.Errorf("all slots should be released, in-flight=%d", n)
		}
	})
}

func TestRecordAndClearAttempts(t *testing.T) {
	backends(t, 1, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		for want := 1; want <= 3; want++ {
			got, err := s.RecordAttempt(ctx, "job")
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if got != want {
				t.Errorf("attempt: got %d, want %d", got, want)
			}
		}
		if err := s.ClearAttempts(ctx, "job"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if got, _ := s.RecordAttempt(ctx, "job"); got != 1 {
			t.Errorf("counter should restart after clear, got %d", got)
		}
	})
}

func TestRedisJobStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisJobStore(rdb, "test", 1)
	mr.Close()

	err := s.Enqueue(context.Background(), intent("a"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRedisJobStore_UndecodablePayloadDeadLettered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisJobStore(rdb, "test", 1)
	ctx := context.Background()

	mr.Lpush("test:pending", "{not json")
	if _, ok, err := s.Dequeue(ctx); ok || !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got ok=%v err=%v", ok, err)
	}
	dead, err := mr.List("test:dead")
	if err != nil || len(dead) != 1 || dead[0] != "{not json" {
		t.Errorf("payload not dead-lettered: %v, %v", dead, err)
	}

	// The queue keeps flowing past the bad payload.
	_ = s.Enqueue(ctx, intent("a"))
	if in, ok, err := s.Dequeue(ctx); err != nil || !ok || in.JobID != "a" {
		t.Errorf("expected job a, got %+v ok=%v err=%v", in, ok, err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
	if got := (Backoff{}).Delay(3); got != 0 {
		t.Errorf("zero backoff should not delay, got %s", got)
	}
}
