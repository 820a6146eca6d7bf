// Package executor places trades through an external gateway and commits
// confirmed fills to the position ledger.
//
// A gateway failure never touches the ledger. A confirmed fill that the
// ledger could not record is surfaced as a *CommitError carrying the fill,
// so the caller can finish the commit without trading again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/ledger"
	"github.com/atmx/agent-engine/internal/metrics"
	"github.com/atmx/agent-engine/internal/model"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 10 * time.Second

// Config holds executor settings.
type Config struct {
	Timeout time.Duration
}

// Result is a successful execution.
type Result struct {
	TxID      string
	FillPrice decimal.Decimal
	Position  model.Position
}

// CommitError is returned when the gateway filled the order but the ledger
// write failed. errors.Is(err, ErrCommit) holds.
type CommitError struct {
	Fill ledger.Fill
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit tx %s: %v", e.Fill.TxID, e.Err)
}

func (e *CommitError) Is(target error) bool { return target == ErrCommit }

func (e *CommitError) Unwrap() error { return e.Err }

// Executor runs one trade attempt: gateway call, then ledger commit.
type Executor struct {
	gateway Gateway
	ledger  *ledger.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an executor. A nil logger uses slog.Default().
func New(gw Gateway, l *ledger.Ledger, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gateway: gw, ledger: l, timeout: cfg.Timeout, logger: logger}
}

// Execute places the intent at the gateway and commits the fill.
func (e *Executor) Execute(ctx context.Context, in model.TradeIntent) (Result, error) {
	fill, err := e.place(ctx, in)
	if err != nil {
		return Result{}, err
	}

	lf := ledger.Fill{Intent: in, TxID: fill.TxID, Price: fill.Price}
	pos, err := e.ledger.ApplyFill(ctx, lf)
	if err != nil {
		e.logger.Error("fill confirmed but ledger commit failed",
			"job_id", in.JobID,
			"tx_id", fill.TxID,
			"err", err,
		)
		return Result{}, &CommitError{Fill: lf, Err: err}
	}

	return Result{TxID: fill.TxID, FillPrice: fill.Price, Position: pos}, nil
}

// Commit re-applies a fill returned in a CommitError. The ledger dedupes
// by tx id, so repeated calls are safe.
func (e *Executor) Commit(ctx context.Context, f ledger.Fill) (Result, error) {
	pos, err := e.ledger.ApplyFill(ctx, f)
	if err != nil {
		return Result{}, &CommitError{Fill: f, Err: err}
	}
	return Result{TxID: f.TxID, FillPrice: f.Price, Position: pos}, nil
}

func (e *Executor) place(ctx context.Context, in model.TradeIntent) (Fill, error) {
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	fill, err := e.gateway.Place(tctx, OrderFor(in))
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if fill.TxID == "" {
			metrics.ExecutionLatency.WithLabelValues("error").Observe(elapsed)
			return Fill{}, fmt.Errorf("%w: fill without tx id", ErrGateway)
		}
		metrics.ExecutionLatency.WithLabelValues("filled").Observe(elapsed)
		return fill, nil
	}

	err = classify(ctx, tctx, err)
	switch {
	case errors.Is(err, ErrTimeout):
		metrics.ExecutionLatency.WithLabelValues("timeout").Observe(elapsed)
	case IsRetryable(err):
		metrics.ExecutionLatency.WithLabelValues("error").Observe(elapsed)
	default:
		metrics.ExecutionLatency.WithLabelValues("rejected").Observe(elapsed)
	}
	return Fill{}, err
}

// classify maps a raw gateway error onto the executor taxonomy. Unknown
// errors are treated as transient gateway failures.
func classify(parent, call context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrGateway),
		errors.Is(err, ErrTimeout):
		return err
	case parent.Err() != nil:
		// Caller is shutting down; not a gateway verdict.
		return parent.Err()
	case errors.Is(call.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
}
