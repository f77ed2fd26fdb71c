package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
)

// brokenStore fails every ledger write while delegating reads.
type brokenStore struct {
	*store.Memory
	writeErr error
}

func (s *brokenStore) CreateAccount(ctx context.Context, account *store.Account) error {
	return s.writeErr
}

// racingStore simulates losing a provisioning race: the first CreateAccount
// reports the row already exists, after inserting the winner's account.
type racingStore struct {
	*store.Memory
	winner *store.Account
	raced  bool
}

func (s *racingStore) CreateAccount(ctx context.Context, account *store.Account) error {
	if !s.raced {
		s.raced = true
		if err := s.Memory.CreateAccount(ctx, s.winner); err != nil {
			return err
		}
		return store.ErrAccountExists
	}
	return s.Memory.CreateAccount(ctx, account)
}

func TestProvision_CreatesAndPersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, settlement.NewMock(), nil)

	account, err := svc.Provision(ctx, "payee-1", map[string]string{"team": "eng"})
	require.NoError(t, err)

	assert.Equal(t, "payee-1", account.OwnerID)
	assert.Equal(t, store.ProvisionCreated, account.ProvisionStatus)
	assert.NotEmpty(t, account.ID)
	assert.NotEmpty(t, account.PublicKey)

	stored, err := st.GetAccountByOwner(ctx, "payee-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, stored.ID)
}

func TestProvision_IdempotentPerPayee(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, settlement.NewMock(), nil)

	first, err := svc.Provision(ctx, "payee-1", nil)
	require.NoError(t, err)

	second, err := svc.Provision(ctx, "payee-1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "repeat provisioning must return the same account")
	assert.Equal(t, first.PublicKey, second.PublicKey)
}

func TestProvision_EmptyPayeeRejected(t *testing.T) {
	svc := NewService(store.NewMemory(), settlement.NewMock(), nil)

	_, err := svc.Provision(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestProvision_PersistFailureSurfacesAsPersistenceError(t *testing.T) {
	writeErr := errors.New("disk full")
	st := &brokenStore{Memory: store.NewMemory(), writeErr: writeErr}
	svc := NewService(st, settlement.NewMock(), nil)

	_, err := svc.Provision(context.Background(), "payee-1", nil)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "payee-1", perr.PayeeID)
	assert.ErrorIs(t, err, writeErr)
}

func TestProvision_LostRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	winner := &store.Account{
		ID:              "sub-winner",
		OwnerID:         "payee-1",
		PublicKey:       "0xwinner",
		ProvisionStatus: store.ProvisionCreated,
	}
	st := &racingStore{Memory: store.NewMemory(), winner: winner}
	svc := NewService(st, settlement.NewMock(), nil)

	account, err := svc.Provision(ctx, "payee-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "sub-winner", account.ID, "the racing winner's account is authoritative")
}
