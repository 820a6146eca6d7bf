// Package worker runs the dispatch loop: workers pull intents from the
// shared job store, take a concurrency slot, pass the risk gate, execute,
// and schedule retries for transient failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/agent-engine/internal/executor"
	"github.com/atmx/agent-engine/internal/jobstore"
	"github.com/atmx/agent-engine/internal/ledger"
	"github.com/atmx/agent-engine/internal/metrics"
	"github.com/atmx/agent-engine/internal/model"
	"github.com/atmx/agent-engine/internal/risk"
)

// DefaultMaxRetries is the number of retries a job gets after transient
// failures before it is marked FAILED.
const DefaultMaxRetries = 5

// Gate is the admission check consulted before every attempt.
type Gate interface {
	Validate(ctx context.Context, req risk.Request) (risk.Decision, error)
	RecordTrade(ctx context.Context, userID string) error
}

// Executor runs a trade attempt and resumes failed commits.
type Executor interface {
	Execute(ctx context.Context, in model.TradeIntent) (executor.Result, error)
	Commit(ctx context.Context, f ledger.Fill) (executor.Result, error)
}

// Journal persists job state transitions.
type Journal interface {
	Record(ctx context.Context, o model.JobOutcome) error
}

// Notifier receives job state transitions as they happen.
type Notifier interface {
	Publish(o model.JobOutcome)
}

// Config holds pool settings. The concurrency cap lives in the job store
// so it is shared by every pool using that store.
type Config struct {
	Workers    int              // Worker goroutines (default: 4)
	MaxRetries int              // Retries after transient failures (default: 5)
	IdleWait   time.Duration    // Wait when the queue is empty or saturated (default: 100ms)
	Backoff    jobstore.Backoff // Retry delay policy (zero: retry on the next promotion)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		MaxRetries: DefaultMaxRetries,
		IdleWait:   100 * time.Millisecond,
		Backoff:    jobstore.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
	}
}

// Pool is a set of workers sharing one job store.
type Pool struct {
	cfg        Config
	jobs       jobstore.JobStore
	gate       Gate
	exec       Executor
	serializer risk.Serializer
	journal    Journal
	notifiers  []Notifier
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithSerializer sets the per-user admission lock (default: in-process).
func WithSerializer(s risk.Serializer) Option {
	return func(p *Pool) {
		if s != nil {
			p.serializer = s
		}
	}
}

// WithJournal records every job transition.
func WithJournal(j Journal) Option {
	return func(p *Pool) { p.journal = j }
}

// WithNotifier publishes every job transition to n. It may be given more
// than once.
func WithNotifier(n Notifier) Option {
	return func(p *Pool) {
		if n != nil {
			p.notifiers = append(p.notifiers, n)
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. Zero config fields take their defaults.
func New(cfg Config, jobs jobstore.JobStore, gate Gate, exec Executor, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}

	p := &Pool{
		cfg:        cfg,
		jobs:       jobs,
		gate:       gate,
		exec:       exec,
		serializer: risk.NewKeyedMutex(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info("worker pool started",
		"workers", p.cfg.Workers,
		"max_retries", p.cfg.MaxRetries,
		"idle_wait", p.cfg.IdleWait,
	)
	return nil
}

// Stop signals the workers and waits for in-progress attempts to finish.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		worked, err := p.ProcessOne(p.ctx)
		if err != nil && p.ctx.Err() == nil {
			p.logger.Warn("worker loop error", "worker", id, "err", err)
		}
		if !worked {
			p.idle()
		}
	}
}

func (p *Pool) idle() {
	t := time.NewTimer(p.cfg.IdleWait)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

// ProcessOne runs one loop iteration. It reports whether an intent was
// handled; false means the caller should idle. Errors are job store
// failures and leave no intent lost.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	if _, err := p.jobs.PromoteDue(ctx, p.now()); err != nil {
		metrics.StoreErrors.WithLabelValues("promote").Inc()
		return false, fmt.Errorf("promote due: %w", err)
	}

	in, ok, err := p.jobs.Dequeue(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dequeue").Inc()
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	acquired, err := p.jobs.TryAcquireSlot(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("acquire").Inc()
		p.requeue(ctx, in)
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	if !acquired {
		metrics.SlotSaturations.Inc()
		p.requeue(ctx, in)
		return false, nil
	}

	p.attempt(ctx, in)
	return true, nil
}

// attempt runs one attempt while holding a concurrency slot. The slot is
// released on every path, including panics.
func (p *Pool) attempt(ctx context.Context, in model.TradeIntent) {
	// Bookkeeping must complete even if ctx is cancelled mid-attempt.
	bg := context.WithoutCancel(ctx)

	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		if err := p.jobs.ReleaseSlot(bg); err != nil {
			metrics.StoreErrors.WithLabelValues("release").Inc()
			p.logger.Error("release slot failed", "job_id", in.JobID, "err", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during attempt", "job_id", in.JobID, "panic", r)
			p.retry(bg, in, fmt.Errorf("panic: %v", r))
		}
	}()

	p.record(bg, in, model.JobDispatched, "", "")

	unlock, err := p.serializer.Lock(ctx, in.UserID)
	if err != nil {
		p.logger.Warn("user lock unavailable, requeueing", "job_id", in.JobID, "user", in.UserID, "err", err)
		p.requeue(bg, in)
		return
	}
	defer func() {
		if err := unlock(); err != nil {
			p.logger.Error("user lock lost before release", "job_id", in.JobID, "user", in.UserID, "err", err)
		}
	}()

	dec, err := p.gate.Validate(ctx, risk.RequestFor(in))
	if err != nil {
		p.logger.Warn("risk state unavailable, requeueing", "job_id", in.JobID, "user", in.UserID, "err", err)
		p.requeue(bg, in)
		return
	}
	if !dec.Allowed {
		p.block(bg, in, dec)
		return
	}

	res, err := p.exec.Execute(ctx, in)
	switch {
	case err == nil:
		p.succeed(bg, in, res)
	case errors.Is(err, executor.ErrCommit):
		var ce *executor.CommitError
		if !errors.As(err, &ce) {
			p.fail(bg, in, err.Error())
			return
		}
		p.resumeCommit(ctx, in, ce.Fill)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Shutdown interrupted the gateway call. The same client order id is
		// reused on the next attempt, so requeue without counting a retry.
		p.requeue(bg, in)
	case executor.IsRetryable(err):
		p.retry(bg, in, err)
	default:
		p.fail(bg, in, err.Error())
	}
}

// resumeCommit retries the ledger write of a confirmed fill until it lands.
// The order is never placed again.
func (p *Pool) resumeCommit(ctx context.Context, in model.TradeIntent, f ledger.Fill) {
	bg := context.WithoutCancel(ctx)
	for i := 1; ; i++ {
		res, err := p.exec.Commit(ctx, f)
		if err == nil {
			p.succeed(bg, in, res)
			return
		}
		p.logger.Error("ledger commit failed, retrying",
			"job_id", in.JobID,
			"tx_id", f.TxID,
			"try", i,
			"err", err,
		)

		t := time.NewTimer(p.cfg.Backoff.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			// The gateway dedupes by job id, so the requeued intent
			// returns the same fill and commits it.
			p.requeue(bg, in)
			return
		case <-t.C:
		}
	}
}

func (p *Pool) succeed(ctx context.Context, in model.TradeIntent, res executor.Result) {
	if err := p.gate.RecordTrade(ctx, in.UserID); err != nil {
		p.logger.Error("record trade failed", "job_id", in.JobID, "user", in.UserID, "err", err)
	}
	p.clearAttempts(ctx, in)

	p.logger.Info("trade filled",
		"job_id", in.JobID,
		"user", in.UserID,
		"agent", in.AgentID,
		"market", in.MarketID,
		"outcome", in.Outcome,
		"side", in.Side,
		"amount", in.Amount.String(),
		"price", res.FillPrice.String(),
		"tx_id", res.TxID,
		"attempt", in.Attempt,
	)
	p.record(ctx, in, model.JobFilled, "", res.TxID)
}

func (p *Pool) block(ctx context.Context, in model.TradeIntent, dec risk.Decision) {
	metrics.RiskBlocks.WithLabelValues(dec.Reason).Inc()
	p.clearAttempts(ctx, in)

	p.logger.Warn("trade blocked by risk gate",
		"job_id", in.JobID,
		"user", in.UserID,
		"market", in.MarketID,
		"amount", in.Amount.String(),
		"reason", dec.Reason,
	)
	p.record(ctx, in, model.JobBlocked, dec.Reason, "")
}

func (p *Pool) retry(ctx context.Context, in model.TradeIntent, cause error) {
	n, err := p.jobs.RecordAttempt(ctx, in.JobID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("attempts").Inc()
		p.logger.Error("record attempt failed, requeueing", "job_id", in.JobID, "err", err)
		p.requeue(ctx, in)
		return
	}
	if n > p.cfg.MaxRetries {
		p.fail(ctx, in, fmt.Sprintf("retries exhausted after %d attempts: %v", n, cause))
		return
	}

	delay := p.cfg.Backoff.Delay(n)
	next := in.NextAttempt()
	if err := p.jobs.Schedule(ctx, next, delay); err != nil {
		metrics.StoreErrors.WithLabelValues("schedule").Inc()
		p.logger.Error("schedule retry failed, requeueing", "job_id", in.JobID, "err", err)
		p.requeue(ctx, next)
		return
	}
	metrics.JobRetries.Inc()

	p.logger.Warn("transient failure, retry scheduled",
		"job_id", in.JobID,
		"attempt", n,
		"delay", delay,
		"err", cause,
	)
	p.record(ctx, next, model.JobRetryScheduled, cause.Error(), "")
}

func (p *Pool) fail(ctx context.Context, in model.TradeIntent, reason string) {
	p.clearAttempts(ctx, in)
	p.logger.Error("job failed", "job_id", in.JobID, "user", in.UserID, "reason", reason)
	p.record(ctx, in, model.JobFailed, reason, "")
}

func (p *Pool) clearAttempts(ctx context.Context, in model.TradeIntent) {
	if err := p.jobs.ClearAttempts(ctx, in.JobID); err != nil {
		metrics.StoreErrors.WithLabelValues("attempts").Inc()
		p.logger.Warn("clear attempts failed", "job_id", in.JobID, "err", err)
	}
}

// requeue puts an intent back at the front of the queue. A failure here is
// logged; the intent is then only recoverable from the producer.
func (p *Pool) requeue(ctx context.Context, in model.TradeIntent) {
	if err := p.jobs.Requeue(context.WithoutCancel(ctx), in); err != nil {
		metrics.StoreErrors.WithLabelValues("requeue").Inc()
		p.logger.Error("requeue failed, intent dropped", "job_id", in.JobID, "err", err)
	}
}

func (p *Pool) record(ctx context.Context, in model.TradeIntent, state model.JobState, reason, txID string) {
	o := model.JobOutcome{
		JobID:    in.JobID,
		UserID:   in.UserID,
		AgentID:  in.AgentID,
		MarketID: in.MarketID,
		State:    state,
		Attempt:  in.Attempt,
		Reason:   reason,
		TxID:     txID,
		At:       p.now(),
	}
	metrics.JobOutcomes.WithLabelValues(string(state)).Inc()
	if p.journal != nil {
		if err := p.journal.Record(ctx, o); err != nil {
			p.logger.Warn("journal write failed", "job_id", in.JobID, "state", state, "err", err)
		}
	}
	for _, n := range p.notifiers {
		n.Publish(o)
	}
}
