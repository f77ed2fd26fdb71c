package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It holds
// the same invariants as the durable backends: every mutation is conditioned
// on the row's current state under a single lock.
type Memory struct {
	mu        sync.Mutex
	accounts  map[string]*Account // keyed by account id
	batches   map[string]*Batch
	nonces    map[string]string // nonce -> batch id
	fundingTx map[string]*FundingTx
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[string]*Account),
		batches:   make(map[string]*Batch),
		nonces:    make(map[string]string),
		fundingTx: make(map[string]*FundingTx),
	}
}

func (m *Memory) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.OwnerID == account.OwnerID {
			return ErrAccountExists
		}
	}

	now := time.Now().UTC()
	cp := *account
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.accounts[cp.ID] = &cp
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateBatch(ctx context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.Nonce != "" {
		if _, used := m.nonces[batch.Nonce]; used {
			return ErrDuplicateNonce
		}
	}

	now := time.Now().UTC()
	cp := *batch
	cp.Entries = append([]Entry(nil), batch.Entries...)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.batches[cp.ID] = &cp
	if cp.Nonce != "" {
		m.nonces[cp.Nonce] = cp.ID
	}
	batch.CreatedAt = now
	batch.UpdatedAt = now
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Entries = append([]Entry(nil), b.Entries...)
	return &cp, nil
}

func (m *Memory) UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != from {
		return ErrConflict
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateFundingTx(ctx context.Context, tx *FundingTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *tx
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.fundingTx[cp.ID] = &cp
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

func (m *Memory) SetFundingTxHash(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.fundingTx[id]
	if !ok {
		return ErrNotFound
	}
	tx.TxHash = txHash
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListPendingFundingTxs(ctx context.Context, limit int) ([]*FundingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*FundingTx
	for _, tx := range m.fundingTx {
		if tx.Status == TxPending {
			cp := *tx
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) ListFundingTxsByBatch(ctx context.Context, batchID string) ([]*FundingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txs []*FundingTx
	for _, tx := range m.fundingTx {
		if tx.BatchID == batchID {
			cp := *tx
			txs = append(txs, &cp)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}

func (m *Memory) IncrementFundingTxAttempt(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.fundingTx[id]
	if !ok {
		return 0, ErrNotFound
	}
	if tx.Status != TxPending {
		return tx.AttemptCount, ErrConflict
	}
	tx.AttemptCount++
	tx.UpdatedAt = time.Now().UTC()
	return tx.AttemptCount, nil
}

func (m *Memory) MarkFundingTxFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.fundingTx[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != TxPending {
		return ErrConflict
	}
	tx.Status = TxFailed
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ConfirmFundingTx(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.fundingTx[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != TxPending {
		return ErrConflict
	}

	// Credit and status flip happen under the same lock so a crash between
	// them cannot be observed by another goroutine. Without an account row to
	// credit, neither write happens.
	var account *Account
	for _, a := range m.accounts {
		if a.OwnerID == tx.OwnerID {
			account = a
			break
		}
	}
	if account == nil {
		return ErrNotFound
	}

	account.AllocatedAmount += tx.Amount
	account.UpdatedAt = time.Now().UTC()
	tx.Status = TxConfirmed
	tx.UpdatedAt = time.Now().UTC()
	return nil
}
