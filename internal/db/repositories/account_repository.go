// account_repository.go implements AccountRepository. Quota changes are single
// conditional statements so concurrent uploads can never push storage_used
// past storage_limit or below zero.
package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/datashelf/gateway/internal/db/models"
)

// AccountRepository handles quota bookkeeping
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Ensure creates the account row with the given limit if it does not exist yet.
func (r *AccountRepository) Ensure(ctx context.Context, id uuid.UUID, limit int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, storage_limit) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, limit,
	)
	return err
}

// Get retrieves an account by ID
func (r *AccountRepository) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var acct models.Account
	err := r.db.GetContext(ctx, &acct,
		`SELECT id, storage_used, storage_limit, created_at, updated_at FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Reserve adds n bytes to storage_used if the result stays within the limit.
// It reports false, without changing anything, when it would not.
func (r *AccountRepository) Reserve(ctx context.Context, id uuid.UUID, n int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET storage_used = storage_used + $2, updated_at = NOW()
		 WHERE id = $1 AND storage_used + $2 <= storage_limit`,
		id, n,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Release subtracts n bytes from storage_used, clamping at zero.
func (r *AccountRepository) Release(ctx context.Context, id uuid.UUID, n int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET storage_used = GREATEST(storage_used - $2, 0), updated_at = NOW()
		 WHERE id = $1`,
		id, n,
	)
	return err
}
