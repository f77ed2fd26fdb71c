package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a PostgreSQL pool. Batch entries are stored as
// a JSONB column; everything else is flat columns with conditional updates.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const queryTimeout = 5 * time.Second

func (p *Postgres) CreateAccount(ctx context.Context, account *Account) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := p.Pool.QueryRow(queryCtx,
		"SELECT EXISTS(SELECT 1 FROM payroll_accounts WHERE owner_id = $1)",
		account.OwnerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check account existence: %w", err)
	}
	if exists {
		return ErrAccountExists
	}

	now := time.Now().UTC()
	_, err = p.Pool.Exec(queryCtx, `
		INSERT INTO payroll_accounts (id, owner_id, public_key, allocated_amount, provision_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, account.ID, account.OwnerID, account.PublicKey, account.AllocatedAmount, string(account.ProvisionStatus), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, id string) (*Account, error) {
	return p.getAccountBy(ctx, "id", id)
}

func (p *Postgres) GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error) {
	return p.getAccountBy(ctx, "owner_id", ownerID)
}

func (p *Postgres) getAccountBy(ctx context.Context, column, value string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var account Account
	var status string
	err := p.Pool.QueryRow(queryCtx, fmt.Sprintf(`
		SELECT id, owner_id, public_key, allocated_amount, provision_status, created_at, updated_at
		FROM payroll_accounts
		WHERE %s = $1
	`, column), value).Scan(
		&account.ID, &account.OwnerID, &account.PublicKey,
		&account.AllocatedAmount, &status, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.ProvisionStatus = ProvisionStatus(status)
	return &account, nil
}

func (p *Postgres) CreateBatch(ctx context.Context, batch *Batch) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	entriesJSON, err := json.Marshal(batch.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal batch entries: %w", err)
	}

	now := time.Now().UTC()
	_, err = p.Pool.Exec(queryCtx, `
		INSERT INTO payroll_batches (id, entries, nonce, fee_bps, total, fee, net_total, digest, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, batch.ID, entriesJSON, batch.Nonce, batch.FeeBps, batch.Total, batch.Fee,
		batch.NetTotal, batch.Digest, string(batch.Status), batch.Metadata, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNonce
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	batch.CreatedAt = now
	batch.UpdatedAt = now
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (*Batch, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var batch Batch
	var entriesJSON []byte
	var status string
	err := p.Pool.QueryRow(queryCtx, `
		SELECT id, entries, nonce, fee_bps, total, fee, net_total, digest, status, metadata, created_at, updated_at
		FROM payroll_batches
		WHERE id = $1
	`, id).Scan(
		&batch.ID, &entriesJSON, &batch.Nonce, &batch.FeeBps, &batch.Total,
		&batch.Fee, &batch.NetTotal, &batch.Digest, &status, &batch.Metadata,
		&batch.CreatedAt, &batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if err := json.Unmarshal(entriesJSON, &batch.Entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch entries: %w", err)
	}
	batch.Status = BatchStatus(status)
	return &batch, nil
}

func (p *Postgres) UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.Pool.Exec(queryCtx, `
		UPDATE payroll_batches
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetBatch(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) CreateFundingTx(ctx context.Context, tx *FundingTx) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO funding_txs (id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, tx.ID, tx.BatchID, tx.OwnerID, tx.AccountID, tx.Amount, tx.TxHash,
		string(tx.Status), tx.AttemptCount, now)
	if err != nil {
		return fmt.Errorf("failed to insert funding tx: %w", err)
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

func (p *Postgres) SetFundingTxHash(ctx context.Context, id, txHash string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.Pool.Exec(queryCtx, `
		UPDATE funding_txs
		SET tx_hash = $1, updated_at = now()
		WHERE id = $2
	`, txHash, id)
	if err != nil {
		return fmt.Errorf("failed to set funding tx hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListPendingFundingTxs(ctx context.Context, limit int) ([]*FundingTx, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.Pool.Query(queryCtx, `
		SELECT id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at
		FROM funding_txs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending funding txs: %w", err)
	}
	defer rows.Close()

	return scanFundingTxs(rows)
}

func (p *Postgres) ListFundingTxsByBatch(ctx context.Context, batchID string) ([]*FundingTx, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.Pool.Query(queryCtx, `
		SELECT id, batch_id, owner_id, account_id, amount, tx_hash, status, attempt_count, created_at, updated_at
		FROM funding_txs
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding txs for batch: %w", err)
	}
	defer rows.Close()

	return scanFundingTxs(rows)
}

func scanFundingTxs(rows pgx.Rows) ([]*FundingTx, error) {
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

func (p *Postgres) IncrementFundingTxAttempt(ctx context.Context, id string) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := p.Pool.QueryRow(queryCtx, `
		UPDATE funding_txs
		SET attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING attempt_count
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("failed to increment funding tx attempt: %w", err)
	}
	return count, nil
}

func (p *Postgres) MarkFundingTxFailed(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.Pool.Exec(queryCtx, `
		UPDATE funding_txs
		SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark funding tx failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ConfirmFundingTx flips the row to confirmed and credits the owner's
// allocated amount in one SERIALIZABLE transaction, retrying on serialization
// failures. The conditional status predicate guarantees at most one credit
// per funding tx no matter how many reconciler ticks race on the row.
func (p *Postgres) ConfirmFundingTx(ctx context.Context, id string) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := p.confirmFundingTxOnce(ctx, id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40001" {
				// Serialization failure, retry
				if attempt == maxRetries-1 {
					return fmt.Errorf("failed to confirm funding tx after %d retries due to serialization failure: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		break
	}

	return nil
}

func (p *Postgres) confirmFundingTxOnce(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, err := p.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	var ownerID string
	var amount int64
	err = tx.QueryRow(queryCtx, `
		UPDATE funding_txs
		SET status = 'confirmed', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING owner_id, amount
	`, id).Scan(&ownerID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		return fmt.Errorf("failed to confirm funding tx: %w", err)
	}

	tag, err := tx.Exec(queryCtx, `
		UPDATE payroll_accounts
		SET allocated_amount = allocated_amount + $1, updated_at = now()
		WHERE owner_id = $2
	`, amount, ownerID)
	if err != nil {
		return fmt.Errorf("failed to credit allocated amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no account for owner %s: %w", ownerID, ErrNotFound)
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
