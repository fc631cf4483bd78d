// adapter_config_repository.go implements AdapterConfigRepository, the store for users'
// backend configurations. All reads and writes are scoped by owner.
package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/datashelf/gateway/internal/db/models"
)

const adapterConfigColumns = `id, owner_id, display_name, backend_type, encrypted_credentials,
	config, is_active, is_default, created_at, updated_at`

// AdapterConfigRepository handles database operations for adapter configurations
type AdapterConfigRepository struct {
	db *sqlx.DB
}

// NewAdapterConfigRepository creates a new adapter configuration repository
func NewAdapterConfigRepository(db *sqlx.DB) *AdapterConfigRepository {
	return &AdapterConfigRepository{db: db}
}

// clearDefault drops the default flag from every sibling of the same owner and type.
func clearDefault(ctx context.Context, tx *sqlx.Tx, ownerID uuid.UUID, backendType string, except uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE adapter_configs SET is_default = false, updated_at = NOW()
		 WHERE owner_id = $1 AND backend_type = $2 AND is_default AND id <> $3`,
		ownerID, backendType, except,
	)
	return err
}

// Create inserts cfg. When cfg.IsDefault is set the previous default of the
// same type is cleared in the same transaction.
func (r *AdapterConfigRepository) Create(ctx context.Context, cfg *models.AdapterConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cfg.IsDefault {
		if err := clearDefault(ctx, tx, cfg.OwnerID, cfg.BackendType, cfg.ID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO adapter_configs (
			id, owner_id, display_name, backend_type, encrypted_credentials,
			config, is_active, is_default
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		cfg.ID, cfg.OwnerID, cfg.DisplayName, cfg.BackendType, cfg.EncryptedCredentials,
		cfg.Config, cfg.IsActive, cfg.IsDefault,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}

	return tx.Commit()
}

// Get retrieves an owner's configuration by ID
func (r *AdapterConfigRepository) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	var cfg models.AdapterConfig
	query := `SELECT ` + adapterConfigColumns + ` FROM adapter_configs WHERE id = $1 AND owner_id = $2`
	err := r.db.GetContext(ctx, &cfg, query, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// List returns an owner's configurations, newest first
func (r *AdapterConfigRepository) List(ctx context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error) {
	configs := make([]*models.AdapterConfig, 0)
	query := `SELECT ` + adapterConfigColumns + ` FROM adapter_configs WHERE owner_id = $1 ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &configs, query, ownerID)
	return configs, err
}

// Count returns how many configurations an owner has
func (r *AdapterConfigRepository) Count(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM adapter_configs WHERE owner_id = $1`, ownerID)
	return n, err
}

// NameExists reports whether ownerID has another configuration called name.
func (r *AdapterConfigRepository) NameExists(ctx context.Context, ownerID uuid.UUID, name string, except uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM adapter_configs WHERE owner_id = $1 AND display_name = $2 AND id <> $3)`,
		ownerID, name, except,
	)
	return exists, err
}

// Update writes the mutable fields of cfg. Returns false when no row matched.
func (r *AdapterConfigRepository) Update(ctx context.Context, cfg *models.AdapterConfig) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if cfg.IsDefault {
		if err := clearDefault(ctx, tx, cfg.OwnerID, cfg.BackendType, cfg.ID); err != nil {
			return false, err
		}
	}

	query := `
		UPDATE adapter_configs SET
			display_name = $3, encrypted_credentials = $4, config = $5,
			is_active = $6, is_default = $7, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING updated_at`

	err = tx.QueryRowxContext(ctx, query,
		cfg.ID, cfg.OwnerID, cfg.DisplayName, cfg.EncryptedCredentials, cfg.Config,
		cfg.IsActive, cfg.IsDefault,
	).Scan(&cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapUniqueViolation(err)
	}

	return true, tx.Commit()
}

// Delete removes a configuration. Operation records referring to it are kept.
func (r *AdapterConfigRepository) Delete(ctx context.Context, ownerID, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM adapter_configs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetDefault makes id the owner's default for its backend type, clearing the
// previous default in the same transaction. Returns nil when no row matched.
func (r *AdapterConfigRepository) SetDefault(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var backendType string
	err = tx.GetContext(ctx, &backendType,
		`SELECT backend_type FROM adapter_configs WHERE id = $1 AND owner_id = $2 FOR UPDATE`,
		id, ownerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := clearDefault(ctx, tx, ownerID, backendType, id); err != nil {
		return nil, err
	}

	var cfg models.AdapterConfig
	err = tx.GetContext(ctx, &cfg,
		`UPDATE adapter_configs SET is_default = true, updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
		 RETURNING `+adapterConfigColumns,
		id, ownerID,
	)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
