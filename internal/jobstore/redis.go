package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/agent-engine/internal/model"
)

// Both scripts run as a single atomic step on the Redis server.
var (
	// KEYS[1]=delayed zset, KEYS[2]=pending list, ARGV[1]=now (unix ms).
	promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

	// KEYS[1]=in-flight counter, ARGV[1]=limit.
	acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return 0
end
return 1
`)

	// KEYS[1]=in-flight counter. Never goes below zero.
	releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)
)

// RedisJobStore implements JobStore on Redis so several worker processes can
// share one queue and one concurrency cap.
//
// Layout under prefix:
//
//	<prefix>:pending   LIST  (LPUSH to enqueue, RPOP to dequeue)
//	<prefix>:delayed   ZSET  scored by due time in unix ms
//	<prefix>:attempts  HASH  jobID -> retry count
//	<prefix>:inflight  STRING counter
//	<prefix>:dead      LIST  payloads that could not be decoded
type RedisJobStore struct {
	rdb   *redis.Client
	limit int
	keys  struct{ pending, delayed, attempts, inflight, dead string }
}

// NewRedisJobStore creates a Redis-backed job store with concurrency limit c.
func NewRedisJobStore(rdb *redis.Client, prefix string, c int) *RedisJobStore {
	if prefix == "" {
		prefix = "jobs"
	}
	if c < 1 {
		c = 1
	}
	s := &RedisJobStore{rdb: rdb, limit: c}
	s.keys.pending = prefix + ":pending"
	s.keys.delayed = prefix + ":delayed"
	s.keys.attempts = prefix + ":attempts"
	s.keys.inflight = prefix + ":inflight"
	s.keys.dead = prefix + ":dead"
	return s
}

func (s *RedisJobStore) Enqueue(ctx context.Context, intent model.TradeIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", intent.JobID, err)
	}
	if err := s.rdb.LPush(ctx, s.keys.pending, data).Err(); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (s *RedisJobStore) Requeue(ctx context.Context, intent model.TradeIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", intent.JobID, err)
	}
	if err := s.rdb.RPush(ctx, s.keys.pending, data).Err(); err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

func (s *RedisJobStore) Schedule(ctx context.Context, intent model.TradeIntent, delay time.Duration) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", intent.JobID, err)
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := s.rdb.ZAdd(ctx, s.keys.delayed, redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return unavailable("schedule", err)
	}
	return nil
}

func (s *RedisJobStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{s.keys.delayed, s.keys.pending},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, unavailable("promote", err)
	}
	return n, nil
}

func (s *RedisJobStore) Dequeue(ctx context.Context) (model.TradeIntent, bool, error) {
	data, err := s.rdb.RPop(ctx, s.keys.pending).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TradeIntent{}, false, nil
	}
	if err != nil {
		return model.TradeIntent{}, false, unavailable("dequeue", err)
	}

	var intent model.TradeIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		// RPOP already removed it; park the raw payload for inspection.
		if derr := s.rdb.LPush(context.WithoutCancel(ctx), s.keys.dead, data).Err(); derr != nil {
			return model.TradeIntent{}, false, fmt.Errorf("decode intent %q: %v (dead-letter failed: %v)", data, err, derr)
		}
		return model.TradeIntent{}, false, fmt.Errorf("%w: moved to %s: %v", ErrUndecodable, s.keys.dead, err)
	}
	return intent, true, nil
}

func (s *RedisJobStore) TryAcquireSlot(ctx context.Context) (bool, error) {
	ok, err := acquireScript.Run(ctx, s.rdb, []string{s.keys.inflight}, s.limit).Int()
	if err != nil {
		return false, unavailable("acquire slot", err)
	}
	return ok == 1, nil
}

func (s *RedisJobStore) ReleaseSlot(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.keys.inflight}).Err(); err != nil {
		return unavailable("release slot", err)
	}
	return nil
}

func (s *RedisJobStore) InFlight(ctx context.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, s.keys.inflight).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("in-flight", err)
	}
	return n, nil
}

func (s *RedisJobStore) RecordAttempt(ctx context.Context, jobID string) (int, error) {
	n, err := s.rdb.HIncrBy(ctx, s.keys.attempts, jobID, 1).Result()
	if err != nil {
		return 0, unavailable("record attempt", err)
	}
	return int(n), nil
}

func (s *RedisJobStore) ClearAttempts(ctx context.Context, jobID string) error {
	if err := s.rdb.HDel(ctx, s.keys.attempts, jobID).Err(); err != nil {
		return unavailable("clear attempts", err)
	}
	return nil
}

func (s *RedisJobStore) Pending(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.keys.pending).Result()
	if err != nil {
		return 0, unavailable("pending", err)
	}
	return n, nil
}

func (s *RedisJobStore) Delayed(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.keys.delayed).Result()
	if err != nil {
		return 0, unavailable("delayed", err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
