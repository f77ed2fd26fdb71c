// Package provision creates settlement sub-accounts for payees and records
// them in the ledger store.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
)

// PersistenceError reports that the external account was created but the
// ledger write failed. The operation is safe to retry; a second external
// creation leaving an unlinked account behind is the accepted cost of
// at-least-once provisioning.
type PersistenceError struct {
	PayeeID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist account for payee %s: %v", e.PayeeID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Service provisions settlement accounts, idempotently per payee.
type Service struct {
	store   store.Store
	backend settlement.Backend
	logger  *slog.Logger
}

// NewService creates a provisioning service.
func NewService(st store.Store, backend settlement.Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, backend: backend, logger: logger}
}

// Provision returns the payee's existing account unchanged if one exists;
// otherwise it creates a sub-account at the settlement backend and persists
// the mapping before returning.
func (s *Service) Provision(ctx context.Context, payeeID string, metadata map[string]string) (*store.Account, error) {
	if payeeID == "" {
		return nil, errors.New("payee id is required")
	}

	existing, err := s.store.GetAccountByOwner(ctx, payeeID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up account for payee %s: %w", payeeID, err)
	}

	created, err := s.backend.CreateAccount(ctx, metadata)
	if err != nil {
		return nil, fmt.Errorf("settlement account creation failed for payee %s: %w", payeeID, err)
	}

	account := &store.Account{
		ID:              created.AccountID,
		OwnerID:         payeeID,
		PublicKey:       created.PublicKey,
		ProvisionStatus: store.ProvisionCreated,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			// Lost a race with a concurrent provision for the same payee;
			// the winner's account is the account.
			return s.store.GetAccountByOwner(ctx, payeeID)
		}
		return nil, &PersistenceError{PayeeID: payeeID, Err: err}
	}

	s.logger.Info("provisioned settlement account",
		"payee_id", payeeID, "account_id", account.ID)
	return account, nil
}
