// Package settlement defines the narrow capability interface through which
// the engine talks to the external settlement backend. The backend holds the
// real balances; confirmation of a submitted transfer is asynchronous and may
// arrive long after submission, or never.
package settlement

import "context"

// CreatedAccount is the result of provisioning a settlement sub-account.
type CreatedAccount struct {
	AccountID string
	PublicKey string
}

// TransferRequest asks the backend to move funds between two accounts it
// controls. Amount is in minor units.
type TransferRequest struct {
	From   string
	To     string
	Amount int64
}

// TransferReceipt is returned by a successful submission. It carries the
// backend's transaction hash used later for confirmation queries.
type TransferReceipt struct {
	TxHash string
}

// Backend is the settlement capability. Implementations wrap a real
// settlement SDK or the in-process mock; the engine is written once against
// this interface.
type Backend interface {
	// CreateAccount provisions a new sub-account. Metadata is passed through
	// to the backend opaquely.
	CreateAccount(ctx context.Context, metadata map[string]string) (*CreatedAccount, error)
	// SubmitTransfer dispatches a transfer and returns its hash. Submission
	// success does not imply settlement; callers must poll QueryConfirmation.
	SubmitTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
	// QueryConfirmation reports whether a previously submitted transfer has
	// settled. A false result is not terminal.
	QueryConfirmation(ctx context.Context, txHash string) (bool, error)
	// GetBalance returns the backend's view of an account balance.
	GetBalance(ctx context.Context, accountID string) (int64, error)
}
