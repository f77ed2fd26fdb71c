package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite implements Store on a single-file database. It is the lightweight
// backend for development and on-prem deployments that do not run Postgres.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS payroll_accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL,
		allocated_amount INTEGER NOT NULL DEFAULT 0,
		provision_status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS payroll_batches (
		id TEXT PRIMARY KEY,
		entries TEXT NOT NULL,
		nonce TEXT NOT NULL,
		fee_bps INTEGER NOT NULL,
		total INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		net_total INTEGER NOT NULL,
		digest TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_nonce ON payroll_batches(nonce) WHERE nonce != '';
	CREATE TABLE IF NOT EXISTS funding_txs (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_funding_txs_status ON funding_txs(status, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payroll_accounts (id, owner_id, public_key, allocated_amount, provision_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, account.ID, account.OwnerID, account.PublicKey, account.AllocatedAmount,
		string(account.ProvisionStatus), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (s *SQLite) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.getAccountBy(ctx, "id", id)
}

func (s *SQLite) GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error) {
	return s.getAccountBy(ctx, "owner_id", ownerID)
}

func (s *SQLite) getAccountBy(ctx context.Context, column, value string) (*Account, error) {
	var account Account
	var status string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, owner_id, public_key, allocated_amount, provision_status, created_at, updated_at
		FROM payroll_accounts
		WHERE %s = ?
	`, column), value).Scan(
		&account.ID, &account.OwnerID, &account.PublicKey,
		&account.AllocatedAmount, &status, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.ProvisionStatus = ProvisionStatus(status)
	return &account, nil
}

func (s *SQLite) CreateBatch(ctx context.Context, batch *Batch) error {
	entriesJSON, err := json.Marshal(batch.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal batch entries: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payroll_batches (id, entries, nonce, fee_bps, total, fee, net_total, digest, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, batch.ID, string(entriesJSON), batch.Nonce, batch.FeeBps, batch.Total,
		batch.Fee, batch.NetTotal, batch.Digest, string(batch.Status), batch.Metadata, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNonce
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	batch.CreatedAt = now
	batch.UpdatedAt = now
	return nil
}

func (s *SQLite) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	var entriesJSON string
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entries, nonce, fee_bps, total, fee, net_total, digest, status, metadata, created_at, updated_at
		FROM payroll_batches
		WHERE id = ?
	`, id).Scan(
		&batch.ID, &entriesJSON, &batch.Nonce, &batch.FeeBps, &batch.Total,
		&batch.Fee, &batch.NetTotal, &batch.Digest, &status, &batch.Metadata,
		&batch.CreatedAt, &batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &batch.Entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch entries: %w", err)
	}
	batch.Status = BatchStatus(status)
	return &batch, nil
}

func (s *SQLite) UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payroll_batches
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLite) CreateFundingTx(ctx context.Context, tx *FundingTx) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_txs (id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.BatchID, tx.OwnerID, tx.AccountID, tx.Amount, tx.TxHash,
		string(tx.Status), tx.AttemptCount, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert funding tx: %w", err)
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

func (s *SQLite) SetFundingTxHash(ctx context.Context, id, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE funding_txs SET tx_hash = ?, updated_at = ? WHERE id = ?
	`, txHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set funding tx hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListPendingFundingTxs(ctx context.Context, limit int) ([]*FundingTx, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at
		FROM funding_txs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending funding txs: %w", err)
	}
	defer rows.Close()

	return scanSQLFundingTxs(rows)
}

func (s *SQLite) ListFundingTxsByBatch(ctx context.Context, batchID string) ([]*FundingTx, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at
		FROM funding_txs
		WHERE batch_id = ?
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding txs for batch: %w", err)
	}
	defer rows.Close()

	return scanSQLFundingTxs(rows)
}

func scanSQLFundingTxs(rows *sql.Rows) ([]*FundingTx, error) {
	var txs []*FundingTx
	for rows.Next() {
		var tx FundingTx
		var status string
		err := rows.Scan(
			&tx.ID, &tx.BatchID, &tx.OwnerID, &tx.AccountID, &tx.Amount,
			&tx.TxHash, &status, &tx.AttemptCount, &tx.CreatedAt, &tx.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funding tx: %w", err)
		}
		tx.Status = TxStatus(status)
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read funding tx rows: %w", err)
	}
	return txs, nil
}

func (s *SQLite) IncrementFundingTxAttempt(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE funding_txs
		SET attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment funding tx attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrConflict
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		"SELECT attempt_count FROM funding_txs WHERE id = ?", id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt count: %w", err)
	}
	return count, nil
}

func (s *SQLite) MarkFundingTxFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE funding_txs
		SET status = 'failed', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark funding tx failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLite) ConfirmFundingTx(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID string
	var amount int64
	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT owner_id, amount, status FROM funding_txs WHERE id = ?", id).
		Scan(&ownerID, &amount, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read funding tx: %w", err)
	}
	if TxStatus(status) != TxPending {
		return ErrConflict
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE funding_txs
		SET status = 'confirmed', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to confirm funding tx: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE payroll_accounts
		SET allocated_amount = allocated_amount + ?, updated_at = ?
		WHERE owner_id = ?
	`, amount, now, ownerID)
	if err != nil {
		return fmt.Errorf("failed to credit allocated amount: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no account for owner %s: %w", ownerID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
