// Package reconcile converges pending funding transactions to a terminal
// state by polling the settlement backend. It is the only component that
// credits allocated amounts, and it is restart-safe: all of its state lives
// in the ledger store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
)

// Defaults for the reconciliation policy.
const (
	DefaultInterval       = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultBatchSize      = 50
	DefaultConfirmTimeout = 10 * time.Second
)

// Config carries the reconciler's collaborators and retry policy.
type Config struct {
	Store   store.Store
	Backend settlement.Backend
	Logger  *slog.Logger
	// Interval between ticks. Defaults to DefaultInterval.
	Interval time.Duration
	// MaxAttempts before a pending tx is retired as failed. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int
	// BatchSize bounds how many pending txs one tick processes. Defaults to
	// DefaultBatchSize.
	BatchSize int
	// ConfirmTimeout bounds a single confirmation query, separate from the
	// multi-attempt policy across ticks. Defaults to DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
}

// Reconciler runs the polling loop. Multiple concurrent ticks cannot corrupt
// state because every store mutation is a single-row update conditioned on
// the row still being pending.
type Reconciler struct {
	store          store.Store
	backend        settlement.Backend
	logger         *slog.Logger
	interval       time.Duration
	maxAttempts    int
	batchSize      int
	confirmTimeout time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a reconciler with defaults applied to unset config fields.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:          cfg.Store,
		backend:        cfg.Backend,
		logger:         logger,
		interval:       cfg.Interval,
		maxAttempts:    cfg.MaxAttempts,
		batchSize:      cfg.BatchSize,
		confirmTimeout: cfg.ConfirmTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.confirmTimeout <= 0 {
		r.confirmTimeout = DefaultConfirmTimeout
	}
	return r
}

// Run ticks until Stop is called or ctx is cancelled. An in-flight tick is
// always allowed to finish; in-flight settlement calls complete or time out
// on their own bound.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("funding reconciler started",
		"interval", r.interval, "max_attempts", r.maxAttempts, "batch_size", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("funding reconciler stopped", "reason", ctx.Err())
			return
		case <-r.stop:
			r.logger.Info("funding reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Stop requests a graceful stop and waits for the loop to exit.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// Tick processes one slice of pending funding transactions, oldest first.
// A failure on one transaction is logged and never halts the rest of the
// slice or the next tick.
func (r *Reconciler) Tick(ctx context.Context) {
	pending, err := r.store.ListPendingFundingTxs(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to list pending funding txs", "error", err)
		return
	}

	for _, tx := range pending {
		if err := r.reconcileOne(ctx, tx); err != nil {
			r.logger.Error("error reconciling funding tx", "tx_id", tx.ID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, tx *store.FundingTx) error {
	// A pending row with no hash was never actually dispatched to
	// settlement. It cannot confirm; burn an attempt and escalate.
	if tx.TxHash == "" {
		return r.countAttempt(ctx, tx, "never dispatched")
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	confirmed, err := r.backend.QueryConfirmation(queryCtx, tx.TxHash)
	cancel()
	if err != nil {
		// Soft failure: query errors and timeouts consume an attempt, like
		// an unconfirmed result.
		r.logger.Warn("confirmation query failed", "tx_id", tx.ID, "tx_hash", tx.TxHash, "error", err)
		return r.countAttempt(ctx, tx, "confirmation query failed")
	}

	if !confirmed {
		return r.countAttempt(ctx, tx, "not confirmed yet")
	}

	// Confirmation and balance credit are one logical commit in the store.
	// A concurrent tick that already confirmed the row surfaces as
	// ErrConflict, which is a no-op by design.
	if err := r.store.ConfirmFundingTx(ctx, tx.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		// The commit failed, e.g. the owner has no account row to credit.
		// Retrying without bound would pin the row pending forever, so the
		// failure consumes an attempt like an unconfirmed result.
		r.logger.Error("failed to confirm funding tx", "tx_id", tx.ID, "error", err)
		return r.countAttempt(ctx, tx, "confirm commit failed")
	}
	r.logger.Info("funding tx confirmed", "tx_id", tx.ID, "tx_hash", tx.TxHash, "amount", tx.Amount)
	return nil
}

// countAttempt increments the attempt count and retires the transaction as
// failed once the budget is exhausted. Exceeding the budget is terminal;
// operator intervention is required to resubmit.
func (r *Reconciler) countAttempt(ctx context.Context, tx *store.FundingTx, reason string) error {
	attempts, err := r.store.IncrementFundingTxAttempt(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	if attempts >= r.maxAttempts {
		if err := r.store.MarkFundingTxFailed(ctx, tx.ID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
		r.logger.Warn("funding tx marked failed",
			"tx_id", tx.ID, "tx_hash", tx.TxHash, "attempts", attempts, "reason", reason)
		return nil
	}

	r.logger.Info("funding tx still pending",
		"tx_id", tx.ID, "attempt", attempts, "reason", reason)
	return nil
}
