// operation_repository.go implements OperationRepository, the append-only log
// of file operations. Records are inserted as pending and finalized exactly once.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/datashelf/gateway/internal/db/models"
)

// OperationRepository handles file operation records
type OperationRepository struct {
	db *sqlx.DB
}

// NewOperationRepository creates a new OperationRepository
func NewOperationRepository(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// OperationFilters narrows List
type OperationFilters struct {
	OwnerID         uuid.UUID
	AdapterConfigID *uuid.UUID
}

// Begin inserts op as pending and fills in its ID and CreatedAt.
func (r *OperationRepository) Begin(ctx context.Context, op *models.FileOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	op.Status = models.StatusPending

	query := `
		INSERT INTO file_operations (
			id, owner_id, adapter_config_id, operation, target_path, file_name, file_size, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	return r.db.QueryRowxContext(ctx, query,
		op.ID, op.OwnerID, op.AdapterConfigID, op.Operation, op.TargetPath,
		op.FileName, op.FileSize, op.Status,
	).Scan(&op.CreatedAt)
}

// Finish moves a pending record to op.Status. A record that is no longer
// pending yields ErrNotPending.
func (r *OperationRepository) Finish(ctx context.Context, op *models.FileOperation) error {
	if op.Status != models.StatusSuccess && op.Status != models.StatusFailed {
		return fmt.Errorf("invalid final status %q", op.Status)
	}

	query := `
		UPDATE file_operations SET
			status = $2, error_kind = $3, error_detail = $4,
			file_size = COALESCE($5, file_size), completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING completed_at`

	err := r.db.QueryRowxContext(ctx, query,
		op.ID, op.Status, op.ErrorKind, op.ErrorDetail, op.FileSize,
	).Scan(&op.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotPending
	}
	return err
}

// List returns an owner's records newest first, with the total matching count.
// Records whose adapter configuration is gone come back with AdapterDeleted set.
func (r *OperationRepository) List(ctx context.Context, filters OperationFilters, limit, offset int) ([]*models.FileOperation, int, error) {
	where := `WHERE o.owner_id = $1`
	args := []interface{}{filters.OwnerID}
	if filters.AdapterConfigID != nil {
		where += ` AND o.adapter_config_id = $2`
		args = append(args, *filters.AdapterConfigID)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM file_operations o `+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT o.id, o.owner_id, o.adapter_config_id, o.operation, o.target_path,
			o.file_name, o.file_size, o.status, o.error_kind, o.error_detail,
			o.created_at, o.completed_at,
			a.display_name AS adapter_name, a.backend_type AS adapter_type,
			(a.id IS NULL) AS adapter_deleted
		FROM file_operations o
		LEFT JOIN adapter_configs a ON a.id = o.adapter_config_id
		%s
		ORDER BY o.created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	ops := make([]*models.FileOperation, 0)
	if err := r.db.SelectContext(ctx, &ops, query, args...); err != nil {
		return nil, 0, err
	}
	return ops, total, nil
}

// CountSince returns how many operations an owner started after since
func (r *OperationRepository) CountSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM file_operations WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since,
	)
	return n, err
}

// CountByKind returns an owner's operation counts grouped by kind
func (r *OperationRepository) CountByKind(ctx context.Context, ownerID uuid.UUID) (map[models.OperationKind]int, error) {
	var rows []struct {
		Operation models.OperationKind `db:"operation"`
		Count     int                  `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT operation, COUNT(*) AS count FROM file_operations WHERE owner_id = $1 GROUP BY operation`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}

	counts := make(map[models.OperationKind]int, len(rows))
	for _, row := range rows {
		counts[row.Operation] = row.Count
	}
	return counts, nil
}
