package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/dimkeeper/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type loadLogRepository struct {
	pool *pgxpool.Pool
}

// NewLoadLogRepository wires a repository backed by pgxpool.
func NewLoadLogRepository(pool *pgxpool.Pool) LoadLogRepository {
	return &loadLogRepository{pool: pool}
}

func (r *loadLogRepository) Record(ctx context.Context, entry domain.LoadLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("load log repository not initialized")
	}

	var rowNumber any
	if entry.RowNumber != nil {
		rowNumber = *entry.RowNumber
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO load_logs (organization_id, dimension_name, file_name, row_number, business_key, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.OrganizationID,
		entry.DimensionName,
		entry.FileName,
		rowNumber,
		entry.BusinessKey,
		entry.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to record load log: %w", err)
	}

	return nil
}

func (r *loadLogRepository) List(ctx context.Context, organizationID uuid.UUID, dimensionName string, fileName string, limit int, offset int) ([]domain.LoadLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("load log repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, organization_id, dimension_name, file_name, row_number, business_key, error_message, created_at
	 FROM load_logs
	 WHERE organization_id = $1`
	args := []any{organizationID}

	if dimensionName != "" {
		args = append(args, dimensionName)
		query += fmt.Sprintf(` AND dimension_name = $%d`, len(args))
	}
	if fileName != "" {
		args = append(args, fileName)
		query += fmt.Sprintf(` AND file_name = $%d`, len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	args = append(args, offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list load logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.LoadLogEntry
	for rows.Next() {
		var entry domain.LoadLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.OrganizationID,
			&entry.DimensionName,
			&entry.FileName,
			&entry.RowNumber,
			&entry.BusinessKey,
			&entry.ErrorMessage,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan load log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
