package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(id, ownerID string) *Account {
	return &Account{
		ID:              id,
		OwnerID:         ownerID,
		PublicKey:       "0xpub-" + id,
		ProvisionStatus: ProvisionCreated,
	}
}

func newPendingTx(id, batchID, ownerID string, amount int64) *FundingTx {
	return &FundingTx{
		ID:        id,
		BatchID:   batchID,
		OwnerID:   ownerID,
		AccountID: "acct-" + ownerID,
		Amount:    amount,
		TxHash:    "hash-" + id,
		Status:    TxPending,
	}
}

func TestMemory_AccountUniquePerOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateAccount(ctx, newAccount("a1", "p1")))

	err := m.CreateAccount(ctx, newAccount("a2", "p1"))
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = m.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.GetAccountByOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
}

func TestMemory_DuplicateNonceRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &Batch{ID: "b1", Nonce: "n1", Status: BatchCreated}
	require.NoError(t, m.CreateBatch(ctx, first))

	second := &Batch{ID: "b2", Nonce: "n1", Status: BatchCreated}
	assert.ErrorIs(t, m.CreateBatch(ctx, second), ErrDuplicateNonce)

	// Empty nonces never collide.
	require.NoError(t, m.CreateBatch(ctx, &Batch{ID: "b3", Status: BatchCreated}))
	require.NoError(t, m.CreateBatch(ctx, &Batch{ID: "b4", Status: BatchCreated}))
}

func TestMemory_UpdateBatchStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBatch(ctx, &Batch{ID: "b1", Status: BatchCreated}))

	require.NoError(t, m.UpdateBatchStatus(ctx, "b1", BatchCreated, BatchExecuting))

	// A second created->executing transition loses the race.
	assert.ErrorIs(t, m.UpdateBatchStatus(ctx, "b1", BatchCreated, BatchExecuting), ErrConflict)
	assert.ErrorIs(t, m.UpdateBatchStatus(ctx, "missing", BatchCreated, BatchExecuting), ErrNotFound)

	require.NoError(t, m.UpdateBatchStatus(ctx, "b1", BatchExecuting, BatchExecuted))

	b, err := m.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, BatchExecuted, b.Status)
}

func TestMemory_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	batch := &Batch{
		ID:      "b1",
		Entries: []Entry{{PayeeID: "p1", AccountID: "a1", Amount: 10}},
		Status:  BatchCreated,
	}
	require.NoError(t, m.CreateBatch(ctx, batch))

	got, err := m.GetBatch(ctx, "b1")
	require.NoError(t, err)
	got.Status = BatchFailed
	got.Entries[0].Amount = 999

	again, err := m.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, BatchCreated, again.Status)
	assert.Equal(t, int64(10), again.Entries[0].Amount)
}

func TestMemory_ListPendingOldestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t2", "b1", "p2", 20)))
	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t1", "b1", "p1", 10)))
	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t3", "b1", "p3", 30)))

	confirmed := newPendingTx("t4", "b1", "p4", 40)
	require.NoError(t, m.CreateFundingTx(ctx, confirmed))
	require.NoError(t, m.CreateAccount(ctx, newAccount("acct-p4", "p4")))
	require.NoError(t, m.ConfirmFundingTx(ctx, "t4"))

	pending, err := m.ListPendingFundingTxs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, tx := range pending {
		assert.Equal(t, TxPending, tx.Status)
	}

	all, err := m.ListPendingFundingTxs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "confirmed rows are never listed as pending")
}

func TestMemory_ConfirmCreditsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateAccount(ctx, newAccount("a1", "p1")))
	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t1", "b1", "p1", 75)))

	require.NoError(t, m.ConfirmFundingTx(ctx, "t1"))

	account, err := m.GetAccountByOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), account.AllocatedAmount)

	// The second confirmation is a conflict and must not credit again.
	assert.ErrorIs(t, m.ConfirmFundingTx(ctx, "t1"), ErrConflict)

	account, err = m.GetAccountByOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), account.AllocatedAmount)
}

func TestMemory_ConfirmWithoutAccountFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t1", "b1", "ghost", 77)))

	// No account row for the owner: the commit must not happen at all.
	assert.ErrorIs(t, m.ConfirmFundingTx(ctx, "t1"), ErrNotFound)

	txs, err := m.ListFundingTxsByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxPending, txs[0].Status, "a tx that could not credit must stay pending")

	// Once the account exists the same row confirms and credits normally.
	require.NoError(t, m.CreateAccount(ctx, newAccount("acct-ghost", "ghost")))
	require.NoError(t, m.ConfirmFundingTx(ctx, "t1"))

	account, err := m.GetAccountByOwner(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(77), account.AllocatedAmount)
}

func TestMemory_TerminalFundingTxIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateAccount(ctx, newAccount("a1", "p1")))
	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t1", "b1", "p1", 75)))
	require.NoError(t, m.MarkFundingTxFailed(ctx, "t1"))

	assert.ErrorIs(t, m.ConfirmFundingTx(ctx, "t1"), ErrConflict)
	assert.ErrorIs(t, m.MarkFundingTxFailed(ctx, "t1"), ErrConflict)

	_, err := m.IncrementFundingTxAttempt(ctx, "t1")
	assert.ErrorIs(t, err, ErrConflict)

	account, err := m.GetAccountByOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.AllocatedAmount)
}

func TestMemory_IncrementAttemptIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateFundingTx(ctx, newPendingTx("t1", "b1", "p1", 10)))

	for want := 1; want <= 3; want++ {
		got, err := m.IncrementFundingTxAttempt(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := m.IncrementFundingTxAttempt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SetFundingTxHash(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx := newPendingTx("t1", "b1", "p1", 10)
	tx.TxHash = ""
	require.NoError(t, m.CreateFundingTx(ctx, tx))

	require.NoError(t, m.SetFundingTxHash(ctx, "t1", "0xabc"))
	assert.ErrorIs(t, m.SetFundingTxHash(ctx, "missing", "0xabc"), ErrNotFound)

	txs, err := m.ListFundingTxsByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0xabc", txs[0].TxHash)
}
