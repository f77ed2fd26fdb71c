package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/payroll-infra/internal/approval"
	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
	"github.com/example/payroll-infra/pkg/audit"
)

// DefaultSkewWindow bounds how far a signed approval timestamp may drift
// from server time.
const DefaultSkewWindow = 10 * time.Minute

// ApprovalError reports an invalid, expired or mismatched approval
// signature. The batch stays in created state and may be re-submitted with a
// corrected signature.
type ApprovalError struct {
	Reason string
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("approval rejected: %s", e.Reason)
}

// StateError reports an execution request against a batch that is not in an
// executable state.
type StateError struct {
	BatchID string
	Status  store.BatchStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("batch %s is %s, only created batches can be executed", e.BatchID, e.Status)
}

// Approval is the off-line signature presented with an execution request. It
// is verified once per attempt and never persisted.
type Approval struct {
	Signature       string `json:"signature"`
	SignedTimestamp int64  `json:"signed_timestamp"`
}

// EntryResult reports the dispatch outcome for one batch entry. TxHash is
// empty when the submission call itself failed; the reconciler escalates
// such rows instead of dropping them.
type EntryResult struct {
	AccountID string `json:"account_id"`
	TxID      string `json:"tx_id"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// ExecutionResult is the per-entry outcome of a dispatched batch. Status
// executed means dispatched, not settled.
type ExecutionResult struct {
	BatchID string            `json:"batch_id"`
	Status  store.BatchStatus `json:"status"`
	Digest  string            `json:"digest"`
	Results []EntryResult     `json:"results"`
}

// Orchestrator executes approved batches: one funding transaction row and
// one settlement submission per entry, in entry order, with no global
// rollback. Partial dispatch is an expected outcome resolved asynchronously
// by the reconciler.
type Orchestrator struct {
	store      store.Store
	backend    settlement.Backend
	anchors    *audit.AnchorChain
	logger     *slog.Logger
	vaultID    string
	authorizer string
	skewWindow time.Duration
}

// OrchestratorConfig carries the orchestrator's collaborators and policy.
type OrchestratorConfig struct {
	Store store.Store
	// Backend is the settlement capability transfers are submitted to.
	Backend settlement.Backend
	// Anchors, when set, receives every executed batch digest.
	Anchors *audit.AnchorChain
	Logger  *slog.Logger
	// VaultAccountID is the company vault all transfers draw from.
	VaultAccountID string
	// AuthorizedAddress is the only identity whose approval signatures are
	// accepted.
	AuthorizedAddress string
	// SkewWindow defaults to DefaultSkewWindow when zero.
	SkewWindow time.Duration
}

// NewOrchestrator creates a batch execution orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.SkewWindow
	if skew == 0 {
		skew = DefaultSkewWindow
	}
	return &Orchestrator{
		store:      cfg.Store,
		backend:    cfg.Backend,
		anchors:    cfg.Anchors,
		logger:     logger,
		vaultID:    cfg.VaultAccountID,
		authorizer: cfg.AuthorizedAddress,
		skewWindow: skew,
	}
}

// Execute verifies the approval over a created batch and dispatches one
// transfer per entry. A single entry's submission failure never aborts the
// batch; the failed entry is recorded as a hashless pending funding
// transaction for the reconciler to escalate.
func (o *Orchestrator) Execute(ctx context.Context, batchID string, appr Approval) (*ExecutionResult, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != store.BatchCreated {
		return nil, &StateError{BatchID: b.ID, Status: b.Status}
	}

	if !approval.WithinSkew(appr.SignedTimestamp, time.Now(), o.skewWindow) {
		return nil, &ApprovalError{Reason: "signed timestamp outside acceptable window"}
	}

	msg := approval.Message(b.ID, b.Nonce, appr.SignedTimestamp)
	res := approval.Verify(msg, appr.Signature, o.authorizer)
	if !res.Valid {
		o.logger.Warn("approval verification failed",
			"batch_id", b.ID, "recovered", res.RecoveredAddress)
		return nil, &ApprovalError{Reason: "signature does not match authorized address"}
	}

	if err := o.store.UpdateBatchStatus(ctx, b.ID, store.BatchCreated, store.BatchExecuting); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &StateError{BatchID: b.ID, Status: b.Status}
		}
		return nil, fmt.Errorf("failed to transition batch to executing: %w", err)
	}

	result := &ExecutionResult{BatchID: b.ID, Digest: b.Digest}
	for _, entry := range b.Entries {
		er, err := o.dispatchEntry(ctx, b, entry)
		if err != nil {
			// Store failure before any external side effect for this entry.
			// Retire the batch as failed so it is terminal rather than stuck
			// in executing; already dispatched entries are owned by the
			// reconciler now.
			if ferr := o.store.UpdateBatchStatus(ctx, b.ID, store.BatchExecuting, store.BatchFailed); ferr != nil {
				o.logger.Error("failed to mark batch failed", "batch_id", b.ID, "error", ferr)
			}
			return nil, fmt.Errorf("failed to record funding tx for account %s: %w", entry.AccountID, err)
		}
		result.Results = append(result.Results, *er)
	}

	if err := o.store.UpdateBatchStatus(ctx, b.ID, store.BatchExecuting, store.BatchExecuted); err != nil {
		return nil, fmt.Errorf("failed to transition batch to executed: %w", err)
	}
	result.Status = store.BatchExecuted

	if o.anchors != nil {
		entry := o.anchors.Anchor(b.ID, b.Digest)
		o.logger.Info("batch digest anchored", "batch_id", b.ID, "anchor_hash", entry.Hash)
	}
	return result, nil
}

// dispatchEntry creates the funding transaction row, then submits the
// transfer. The row is written first so a submission that fails after the
// backend accepted it still has a record to reconcile against.
func (o *Orchestrator) dispatchEntry(ctx context.Context, b *store.Batch, entry store.Entry) (*EntryResult, error) {
	tx := &store.FundingTx{
		ID:        uuid.NewString(),
		BatchID:   b.ID,
		OwnerID:   entry.PayeeID,
		AccountID: entry.AccountID,
		Amount:    entry.Amount,
		Status:    store.TxPending,
	}
	if err := o.store.CreateFundingTx(ctx, tx); err != nil {
		return nil, err
	}

	receipt, err := o.backend.SubmitTransfer(ctx, settlement.TransferRequest{
		From:   o.vaultID,
		To:     entry.AccountID,
		Amount: entry.Amount,
	})
	if err != nil {
		// Hashless pending row: the reconciler retries or escalates it.
		o.logger.Error("transfer submission failed",
			"batch_id", b.ID, "account_id", entry.AccountID, "tx_id", tx.ID, "error", err)
		return &EntryResult{AccountID: entry.AccountID, TxID: tx.ID}, nil
	}

	if err := o.store.SetFundingTxHash(ctx, tx.ID, receipt.TxHash); err != nil {
		o.logger.Error("failed to record tx hash, leaving row pending",
			"tx_id", tx.ID, "tx_hash", receipt.TxHash, "error", err)
		return &EntryResult{AccountID: entry.AccountID, TxID: tx.ID}, nil
	}

	return &EntryResult{AccountID: entry.AccountID, TxID: tx.ID, TxHash: receipt.TxHash}, nil
}
