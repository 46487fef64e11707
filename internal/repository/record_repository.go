package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres error code raised when a concurrent
// writer already holds the current row for a business key.
const uniqueViolation = "23505"

// dimensionRecordRepository implements DimensionRecordRepository backed by pgxpool.
type dimensionRecordRepository struct {
	pool *pgxpool.Pool
}

// NewDimensionRecordRepository creates a new dimension row repository.
func NewDimensionRecordRepository(pool *pgxpool.Pool) DimensionRecordRepository {
	return &dimensionRecordRepository{pool: pool}
}

const recordColumns = "surrogate_id, dimension_id, organization_id, business_key, attributes, effective_date, end_date, is_current, version, created_at, updated_at"

// GetCurrent retrieves the open row for a business key.
func (r *dimensionRecordRepository) GetCurrent(ctx context.Context, dimensionID uuid.UUID, businessKey string) (domain.DimensionRecord, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+recordColumns+`
		 FROM dimension_records
		 WHERE dimension_id = $1 AND business_key = $2 AND is_current`,
		dimensionID, businessKey,
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DimensionRecord{}, fmt.Errorf("current row for business key %q: %w", businessKey, ErrNotFound)
		}
		return domain.DimensionRecord{}, fmt.Errorf("failed to get current row: %w", err)
	}
	return record, nil
}

// GetAsOf retrieves the row version whose validity interval covers the instant.
func (r *dimensionRecordRepository) GetAsOf(ctx context.Context, dimensionID uuid.UUID, businessKey string, asOf time.Time) (domain.DimensionRecord, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+recordColumns+`
		 FROM dimension_records
		 WHERE dimension_id = $1 AND business_key = $2
		   AND effective_date <= $3
		   AND (end_date IS NULL OR end_date > $3)`,
		dimensionID, businessKey, asOf,
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DimensionRecord{}, fmt.Errorf("row for business key %q as of %s: %w", businessKey, asOf.Format(time.RFC3339), ErrNotFound)
		}
		return domain.DimensionRecord{}, fmt.Errorf("failed to get row as of instant: %w", err)
	}
	return record, nil
}

// ListVersions retrieves all versions of a business key ordered by effective date.
func (r *dimensionRecordRepository) ListVersions(ctx context.Context, dimensionID uuid.UUID, businessKey string) ([]domain.DimensionRecord, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+recordColumns+`
		 FROM dimension_records
		 WHERE dimension_id = $1 AND business_key = $2
		 ORDER BY effective_date, version`,
		dimensionID, businessKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list row versions: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListByDimension retrieves rows of a dimension with filtering and paging.
// The second return value is the total matching count before paging.
func (r *dimensionRecordRepository) ListByDimension(
	ctx context.Context,
	dimensionID uuid.UUID,
	filter *domain.RecordFilter,
	sort *domain.RecordSort,
	limit int,
	offset int,
) ([]domain.DimensionRecord, int, error) {
	query := `SELECT ` + recordColumns + `, COUNT(*) OVER() AS total_count
	 FROM dimension_records
	 WHERE dimension_id = $1`
	args := []any{dimensionID}

	if filter != nil {
		if filter.CurrentOnly {
			query += ` AND is_current`
		}
		if filter.BusinessKeyPrefix != "" {
			args = append(args, filter.BusinessKeyPrefix+"%")
			query += fmt.Sprintf(` AND business_key LIKE $%d`, len(args))
		}
		if len(filter.AttributeEquals) > 0 {
			attributesJSON, err := json.Marshal(filter.AttributeEquals)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to marshal attribute filter: %w", err)
			}
			args = append(args, attributesJSON)
			query += fmt.Sprintf(` AND attributes @> $%d::jsonb`, len(args))
		}
	}

	query += ` ORDER BY ` + sortClause(sort)

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dimension rows: %w", err)
	}
	defer rows.Close()

	var records []domain.DimensionRecord
	totalCount := 0
	for rows.Next() {
		record, total, err := scanRecordWithCount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan dimension row: %w", err)
		}
		records = append(records, record)
		totalCount = total
	}
	return records, totalCount, rows.Err()
}

// Count returns the total number of rows (all versions) for a dimension.
func (r *dimensionRecordRepository) Count(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM dimension_records WHERE dimension_id = $1`,
		dimensionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dimension rows: %w", err)
	}
	return count, nil
}

// CountCurrent returns the number of distinct current business keys.
func (r *dimensionRecordRepository) CountCurrent(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM dimension_records WHERE dimension_id = $1 AND is_current`,
		dimensionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count current rows: %w", err)
	}
	return count, nil
}

// Commit applies a change set inside one transaction. Both mutations of a
// VERSION change land together or not at all, preserving the non-overlap
// invariant across versions of a business key.
func (r *dimensionRecordRepository) Commit(ctx context.Context, dimension domain.Dimension, changeSet domain.ChangeSet) error {
	if changeSet.IsEmpty() {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, mutation := range changeSet.Mutations {
		switch mutation.Kind {
		case domain.MutationCloseVersion:
			if err := r.closeVersion(ctx, tx, changeSet, mutation); err != nil {
				return err
			}
		case domain.MutationUpdateInPlace:
			if err := r.updateInPlace(ctx, tx, changeSet, mutation); err != nil {
				return err
			}
		case domain.MutationInsertVersion:
			if err := r.insertVersion(ctx, tx, dimension, changeSet, mutation); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown mutation kind: %s", mutation.Kind)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit change set: %w", err)
	}
	return nil
}

func (r *dimensionRecordRepository) closeVersion(ctx context.Context, tx pgx.Tx, changeSet domain.ChangeSet, mutation domain.Mutation) error {
	tag, err := tx.Exec(
		ctx,
		`UPDATE dimension_records
		 SET end_date = $1, is_current = FALSE, updated_at = NOW()
		 WHERE surrogate_id = $2 AND version = $3 AND is_current`,
		mutation.EndDate, mutation.SurrogateID, changeSet.SnapshotVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to close row version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
	}
	return nil
}

func (r *dimensionRecordRepository) updateInPlace(ctx context.Context, tx pgx.Tx, changeSet domain.ChangeSet, mutation domain.Mutation) error {
	setJSON, err := json.Marshal(mutation.Set)
	if err != nil {
		return fmt.Errorf("failed to marshal in-place update: %w", err)
	}

	tag, err := tx.Exec(
		ctx,
		`UPDATE dimension_records
		 SET attributes = attributes || $1::jsonb, version = version + 1, updated_at = NOW()
		 WHERE surrogate_id = $2 AND version = $3 AND is_current`,
		setJSON, mutation.SurrogateID, changeSet.SnapshotVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update row in place: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
	}
	return nil
}

func (r *dimensionRecordRepository) insertVersion(ctx context.Context, tx pgx.Tx, dimension domain.Dimension, changeSet domain.ChangeSet, mutation domain.Mutation) error {
	record := *mutation.Record
	if record.DimensionID == uuid.Nil {
		// Rows are keyed by the family so definition versions share history.
		record.DimensionID = dimension.FamilyID
		record.OrganizationID = dimension.OrganizationID
	}

	attributesJSON, err := record.GetAttributesAsJSONB()
	if err != nil {
		return fmt.Errorf("failed to marshal row attributes: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO dimension_records (surrogate_id, dimension_id, organization_id, business_key, attributes, effective_date, end_date, is_current, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.SurrogateID,
		record.DimensionID,
		record.OrganizationID,
		record.BusinessKey,
		attributesJSON,
		record.EffectiveDate,
		record.EndDate,
		record.IsCurrent,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent writer already holds the current row for this key.
			return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
		}
		return fmt.Errorf("failed to insert row version: %w", err)
	}
	return nil
}

func sortClause(sort *domain.RecordSort) string {
	field := "business_key"
	if sort != nil {
		switch sort.Field {
		case domain.RecordSortFieldBusinessKey:
			field = "business_key"
		case domain.RecordSortFieldEffectiveDate:
			field = "effective_date"
		case domain.RecordSortFieldUpdatedAt:
			field = "updated_at"
		case domain.RecordSortFieldVersion:
			field = "version"
		}
	}

	direction := "ASC"
	if sort != nil && sort.Direction == domain.SortDirectionDesc {
		direction = "DESC"
	}

	return fmt.Sprintf("%s %s, effective_date ASC", field, direction)
}

func collectRecords(rows pgx.Rows) ([]domain.DimensionRecord, error) {
	var records []domain.DimensionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dimension row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (domain.DimensionRecord, error) {
	var record domain.DimensionRecord
	var attributesJSON json.RawMessage

	err := row.Scan(
		&record.SurrogateID,
		&record.DimensionID,
		&record.OrganizationID,
		&record.BusinessKey,
		&attributesJSON,
		&record.EffectiveDate,
		&record.EndDate,
		&record.IsCurrent,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return domain.DimensionRecord{}, err
	}

	return buildRecord(record, attributesJSON)
}

func scanRecordWithCount(row pgx.Row) (domain.DimensionRecord, int, error) {
	var record domain.DimensionRecord
	var attributesJSON json.RawMessage
	var totalCount int

	err := row.Scan(
		&record.SurrogateID,
		&record.DimensionID,
		&record.OrganizationID,
		&record.BusinessKey,
		&attributesJSON,
		&record.EffectiveDate,
		&record.EndDate,
		&record.IsCurrent,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
		&totalCount,
	)
	if err != nil {
		return domain.DimensionRecord{}, 0, err
	}

	built, err := buildRecord(record, attributesJSON)
	return built, totalCount, err
}

func buildRecord(record domain.DimensionRecord, attributesJSON json.RawMessage) (domain.DimensionRecord, error) {
	attributes, err := domain.FromJSONBRecordAttributes(attributesJSON)
	if err != nil {
		return domain.DimensionRecord{}, fmt.Errorf("failed to decode attributes for row %s: %w", record.SurrogateID, err)
	}
	record.Attributes = attributes
	return record, nil
}
