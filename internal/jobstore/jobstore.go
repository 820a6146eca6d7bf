// Package jobstore defines the shared job queue consumed by the worker pool:
// a FIFO pending list, a delayed set keyed by due time, per-job retry
// counters, and one shared in-flight counter capped at the configured
// concurrency. Implementations include Redis (shared across processes)
// and in-memory (single process, testing).
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/agent-engine/internal/model"
)

// ErrStoreUnavailable wraps every backend failure. It is surfaced to the
// caller's loop and never treated as a job failure.
var ErrStoreUnavailable = errors.New("jobstore: store unavailable")

// ErrUndecodable is returned by Dequeue for a payload that is not a valid
// intent. The payload is parked on the dead-letter list, not requeued.
var ErrUndecodable = errors.New("jobstore: undecodable intent")

// JobStore is the queue interface shared by producers, workers and the exit
// evaluator.
type JobStore interface {
	// Enqueue appends an intent to the pending sequence.
	Enqueue(ctx context.Context, intent model.TradeIntent) error

	// Requeue pushes an intent back to the dequeue end so it is taken next.
	Requeue(ctx context.Context, intent model.TradeIntent) error

	// Schedule places an intent in the delayed set, due at now+delay.
	Schedule(ctx context.Context, intent model.TradeIntent, delay time.Duration) error

	// PromoteDue atomically moves every delayed intent due at or before now
	// into the pending sequence and returns how many moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// Dequeue pops one pending intent. ok is false when the queue is empty.
	Dequeue(ctx context.Context) (intent model.TradeIntent, ok bool, err error)

	// TryAcquireSlot increments the in-flight counter iff the result stays
	// within the concurrency limit.
	TryAcquireSlot(ctx context.Context) (bool, error)

	// ReleaseSlot decrements the in-flight counter. Call exactly once per
	// successful TryAcquireSlot.
	ReleaseSlot(ctx context.Context) error

	// InFlight returns the current in-flight count.
	InFlight(ctx context.Context) (int64, error)

	// RecordAttempt increments and returns the retry counter of a job.
	RecordAttempt(ctx context.Context, jobID string) (int, error)

	// ClearAttempts removes the retry counter of a job.
	ClearAttempts(ctx context.Context, jobID string) error

	// Pending returns the number of pending intents.
	Pending(ctx context.Context) (int64, error)

	// Delayed returns the number of delayed intents.
	Delayed(ctx context.Context) (int64, error)
}

// Backoff computes exponential retry delays: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
