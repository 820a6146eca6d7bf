package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Serializer serializes admission per user. The worker holds the user's
// lock from Validate until the fill is committed, so two jobs of one user
// cannot both pass the exposure checks before either commits.
//
// unlock is idempotent. It returns ErrLockLost when the lock stopped being
// exclusively held at some point before the release.
type Serializer interface {
	Lock(ctx context.Context, userID string) (unlock func() error, err error)
}

// KeyedMutex is an in-process Serializer. Entries are dropped once no
// caller holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until the key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func() error, error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
		return nil
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of tracked keys.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Both scripts act only if the lock still carries our token.
var (
	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

	// ARGV[2]=ttl in ms.
	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

var (
	// ErrLockUnavailable wraps Redis failures while acquiring a user lock.
	ErrLockUnavailable = errors.New("risk: user lock unavailable")

	// ErrLockLost means the lock expired or was taken over while held.
	ErrLockLost = errors.New("risk: user lock lost")
)

// RedisLock is a Serializer shared across processes: SET NX PX with a
// random token, released by a token-checked delete. While held, the TTL is
// extended every ttl/3 so a slow commit keeps the lock; the TTL only bounds
// how long a crashed holder can block the user.
type RedisLock struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	refresh time.Duration
}

// NewRedisLock creates a Redis-backed serializer.
func NewRedisLock(rdb *redis.Client, prefix string, ttl, poll time.Duration) *RedisLock {
	if prefix == "" {
		prefix = "lock:user"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	refresh := ttl / 3
	if refresh <= 0 {
		refresh = ttl
	}
	return &RedisLock{rdb: rdb, prefix: prefix, ttl: ttl, poll: poll, refresh: refresh}
}

// lease tracks one held lock.
type lease struct {
	key, token string
	stop       chan struct{}
	done       chan struct{}
	lost       atomic.Bool
}

// Lock polls until the lock is acquired or ctx is done.
func (l *RedisLock) Lock(ctx context.Context, userID string) (func() error, error) {
	key := l.prefix + ":" + userID
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	ls := &lease{key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go l.keepAlive(ls)

	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			close(ls.stop)
			<-ls.done

			// Release even if the caller's context is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, rerr := unlockScript.Run(ctx, l.rdb, []string{key}, token).Int()
			switch {
			case rerr != nil:
				err = fmt.Errorf("%w: release %s: %v", ErrLockUnavailable, key, rerr)
			case n == 0 || ls.lost.Load():
				err = fmt.Errorf("%w: %s", ErrLockLost, key)
			}
		})
		return err
	}, nil
}

// keepAlive extends the lock TTL until the lease is released or the lock
// is found to belong to someone else. Redis errors are retried on the next
// tick while the current TTL still covers us.
func (l *RedisLock) keepAlive(ls *lease) {
	defer close(ls.done)

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.refresh)
		n, err := refreshScript.Run(ctx, l.rdb, []string{ls.key}, ls.token, l.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			ls.lost.Store(true)
			return
		}
	}
}
