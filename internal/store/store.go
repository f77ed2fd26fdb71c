package store

import (
	"context"
	"errors"
	"time"
)

// ProvisionStatus tracks whether a payee has a settlement sub-account yet.
type ProvisionStatus string

const (
	ProvisionUnprovisioned ProvisionStatus = "unprovisioned"
	ProvisionCreated       ProvisionStatus = "created"
)

// BatchStatus represents the lifecycle state of a payment batch.
type BatchStatus string

const (
	BatchCreated   BatchStatus = "created"
	BatchExecuting BatchStatus = "executing"
	BatchExecuted  BatchStatus = "executed"
	BatchFailed    BatchStatus = "failed"
)

// TxStatus represents the lifecycle state of a funding transaction.
// Transitions are pending->confirmed or pending->failed only.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update found the row in a
	// different state than required, e.g. confirming a non-pending tx.
	ErrConflict = errors.New("conditional update conflict")

	// ErrDuplicateNonce is returned when a batch with the same nonce was
	// already created.
	ErrDuplicateNonce = errors.New("batch nonce already used")

	// ErrAccountExists is returned when creating an account for an owner
	// that already has one.
	ErrAccountExists = errors.New("account already exists for owner")
)

// Account is a payee's settlement identity. AllocatedAmount is the running
// total of confirmed inbound funds in minor units; it is only ever increased,
// and only by the reconciler.
type Account struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	PublicKey       string          `json:"public_key"`
	AllocatedAmount int64           `json:"allocated_amount"`
	ProvisionStatus ProvisionStatus `json:"provision_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Entry is a single payment instruction inside a batch. Amount is in minor
// units and must be positive.
type Entry struct {
	PayeeID   string `json:"payee_id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// Batch is a set of payment instructions approved and executed together.
// Digest is computed once at build time and never changes afterwards.
type Batch struct {
	ID        string      `json:"id"`
	Entries   []Entry     `json:"entries"`
	Nonce     string      `json:"nonce"`
	FeeBps    int64       `json:"fee_bps"`
	Total     int64       `json:"total"`
	Fee       int64       `json:"fee"`
	NetTotal  int64       `json:"net_total"`
	Digest    string      `json:"digest"`
	Status    BatchStatus `json:"status"`
	Metadata  string      `json:"metadata,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// FundingTx is the engine's own record of one attempted transfer, independent
// of the external settlement record. TxHash stays empty until the settlement
// backend assigns one; a pending row with no hash means the submission call
// itself never succeeded.
type FundingTx struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	OwnerID      string    `json:"owner_id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Status       TxStatus  `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the durable ledger consumed by provisioning, the orchestrator and
// the reconciler. All mutations are single-row operations conditioned on the
// row's current state, which is what makes concurrent reconciler ticks safe.
type Store interface {
	// CreateAccount persists a new account. Returns ErrAccountExists if the
	// owner already has one.
	CreateAccount(ctx context.Context, account *Account) error
	// GetAccount returns an account by its settlement account id.
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountByOwner returns the account provisioned for a payee, or
	// ErrNotFound.
	GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error)

	// CreateBatch persists a new batch. Returns ErrDuplicateNonce if a batch
	// with the same nonce exists.
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// UpdateBatchStatus transitions a batch from one status to another.
	// Returns ErrConflict if the batch is not currently in the from status.
	UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error

	// CreateFundingTx persists a new funding transaction (status pending,
	// attempt count zero).
	CreateFundingTx(ctx context.Context, tx *FundingTx) error
	// SetFundingTxHash records the settlement hash assigned at submission.
	SetFundingTxHash(ctx context.Context, id, txHash string) error
	// ListPendingFundingTxs returns up to limit pending transactions,
	// oldest first.
	ListPendingFundingTxs(ctx context.Context, limit int) ([]*FundingTx, error)
	// ListFundingTxsByBatch returns all funding transactions dispatched for
	// a batch, in creation order.
	ListFundingTxsByBatch(ctx context.Context, batchID string) ([]*FundingTx, error)
	// IncrementFundingTxAttempt adds one to the attempt count of a pending
	// transaction and returns the new count. Returns ErrConflict if the
	// transaction is no longer pending.
	IncrementFundingTxAttempt(ctx context.Context, id string) (int, error)
	// MarkFundingTxFailed transitions a pending transaction to failed.
	// Returns ErrConflict if it is not pending. The tx hash, if any, is
	// preserved for audit.
	MarkFundingTxFailed(ctx context.Context, id string) error
	// ConfirmFundingTx transitions a pending transaction to confirmed and
	// credits the destination owner's allocated amount by the transaction
	// amount. The two writes happen as one commit or not at all. Returns
	// ErrConflict if the transaction is not pending, making re-processing
	// of an already confirmed row a no-op for the caller.
	ConfirmFundingTx(ctx context.Context, id string) error
}
