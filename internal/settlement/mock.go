package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTx is returned by the mock when asked about a hash it never
// issued.
var ErrUnknownTx = errors.New("unknown transaction hash")

// Mock is an in-process settlement backend for development and tests. A
// submitted transfer is reported unconfirmed for ConfirmAfter confirmation
// queries, then confirmed, which lets tests exercise the reconciler's retry
// path deterministically.
type Mock struct {
	// ConfirmAfter is how many confirmation queries a transfer stays
	// unconfirmed for. Zero means transfers confirm on the first query.
	ConfirmAfter int

	// FailSubmission, when set, makes every SubmitTransfer call fail.
	FailSubmission bool

	mu       sync.Mutex
	accounts map[string]int64
	queries  map[string]int
	seq      int
}

// NewMock creates a mock backend with no accounts.
func NewMock() *Mock {
	return &Mock{
		accounts: make(map[string]int64),
		queries:  make(map[string]int),
	}
}

func (m *Mock) CreateAccount(ctx context.Context, metadata map[string]string) (*CreatedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("sub-%d-%s", m.seq, randomHex(4))
	m.accounts[id] = 0
	return &CreatedAccount{
		AccountID: id,
		PublicKey: "0x" + randomHex(32),
	}, nil
}

func (m *Mock) SubmitTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSubmission {
		return nil, errors.New("settlement backend rejected transfer")
	}
	if req.Amount <= 0 {
		return nil, errors.New("transfer amount must be positive")
	}

	hash := "mock-" + randomHex(7)
	m.queries[hash] = 0
	m.accounts[req.To] += req.Amount
	m.accounts[req.From] -= req.Amount
	return &TransferReceipt{TxHash: hash}, nil
}

func (m *Mock) QueryConfirmation(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.queries[txHash]
	if !ok {
		return false, ErrUnknownTx
	}
	m.queries[txHash] = n + 1
	return n >= m.ConfirmAfter, nil
}

func (m *Mock) GetBalance(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("unknown account %s", accountID)
	}
	return bal, nil
}

// Fund seeds an account balance directly, e.g. the company vault in tests.
func (m *Mock) Fund(accountID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] += amount
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
