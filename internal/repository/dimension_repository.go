package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/dimkeeper/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dimensionRepository implements DimensionRepository backed by pgxpool.
type dimensionRepository struct {
	pool *pgxpool.Pool
}

// NewDimensionRepository creates a new dimension definition repository.
func NewDimensionRepository(pool *pgxpool.Pool) DimensionRepository {
	return &dimensionRepository{pool: pool}
}

const dimensionColumns = "id, family_id, organization_id, name, description, business_key_field, attributes, version, previous_version_id, status, created_at, updated_at"

// Create creates a new dimension definition.
func (r *dimensionRepository) Create(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	return r.insert(ctx, dimension, "create dimension")
}

// CreateVersion persists a new version entry of an existing dimension.
func (r *dimensionRepository) CreateVersion(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	return r.insert(ctx, dimension, "create dimension version")
}

func (r *dimensionRepository) insert(ctx context.Context, dimension domain.Dimension, action string) (domain.Dimension, error) {
	attributesJSON, err := dimension.GetAttributesAsJSONB()
	if err != nil {
		return domain.Dimension{}, fmt.Errorf("failed to marshal attribute definitions: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO dimensions (id, family_id, organization_id, name, description, business_key_field, attributes, version, previous_version_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+dimensionColumns,
		dimension.ID,
		dimension.FamilyID,
		dimension.OrganizationID,
		dimension.Name,
		dimension.Description,
		dimension.BusinessKeyField,
		attributesJSON,
		dimension.Version,
		dimension.PreviousVersionID,
		dimension.Status,
		dimension.CreatedAt,
		dimension.UpdatedAt,
	)

	created, err := scanDimension(row)
	if err != nil {
		return domain.Dimension{}, fmt.Errorf("failed to %s: %w", action, err)
	}
	return created, nil
}

// GetByID retrieves a dimension definition by ID.
func (r *dimensionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Dimension, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+dimensionColumns+` FROM dimensions WHERE id = $1`,
		id,
	)

	dimension, err := scanDimension(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dimension{}, fmt.Errorf("dimension %s: %w", id, ErrNotFound)
		}
		return domain.Dimension{}, fmt.Errorf("failed to get dimension: %w", err)
	}
	return dimension, nil
}

// GetByName retrieves the latest non-archived version of a dimension.
func (r *dimensionRepository) GetByName(ctx context.Context, organizationID uuid.UUID, name string) (domain.Dimension, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+dimensionColumns+`
		 FROM dimensions
		 WHERE organization_id = $1 AND name = $2 AND status != 'ARCHIVED'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		organizationID, name,
	)

	dimension, err := scanDimension(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dimension{}, fmt.Errorf("dimension %q: %w", name, ErrNotFound)
		}
		return domain.Dimension{}, fmt.Errorf("failed to get dimension by name: %w", err)
	}
	return dimension, nil
}

// List retrieves the latest version of every dimension for an organization.
func (r *dimensionRepository) List(ctx context.Context, organizationID uuid.UUID) ([]domain.Dimension, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT DISTINCT ON (name) `+dimensionColumns+`
		 FROM dimensions
		 WHERE organization_id = $1 AND status != 'ARCHIVED'
		 ORDER BY name, created_at DESC`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dimensions: %w", err)
	}
	defer rows.Close()

	return collectDimensions(rows)
}

// ListVersions retrieves all versions of a dimension in creation order.
func (r *dimensionRepository) ListVersions(ctx context.Context, organizationID uuid.UUID, name string) ([]domain.Dimension, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+dimensionColumns+`
		 FROM dimensions
		 WHERE organization_id = $1 AND name = $2
		 ORDER BY created_at`,
		organizationID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dimension versions: %w", err)
	}
	defer rows.Close()

	return collectDimensions(rows)
}

// Exists reports whether a non-archived dimension with the name exists.
func (r *dimensionRepository) Exists(ctx context.Context, organizationID uuid.UUID, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM dimensions
			WHERE organization_id = $1 AND name = $2 AND status != 'ARCHIVED'
		)`,
		organizationID, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dimension existence: %w", err)
	}
	return exists, nil
}

// Archive marks a dimension version as archived.
func (r *dimensionRepository) Archive(ctx context.Context, dimensionID uuid.UUID) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE dimensions SET status = 'ARCHIVED', updated_at = NOW() WHERE id = $1`,
		dimensionID,
	)
	if err != nil {
		return fmt.Errorf("failed to archive dimension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dimension %s: %w", dimensionID, ErrNotFound)
	}
	return nil
}

func collectDimensions(rows pgx.Rows) ([]domain.Dimension, error) {
	var dimensions []domain.Dimension
	for rows.Next() {
		dimension, err := scanDimension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dimension: %w", err)
		}
		dimensions = append(dimensions, dimension)
	}
	return dimensions, rows.Err()
}

func scanDimension(row pgx.Row) (domain.Dimension, error) {
	var dimension domain.Dimension
	var attributesJSON json.RawMessage

	err := row.Scan(
		&dimension.ID,
		&dimension.FamilyID,
		&dimension.OrganizationID,
		&dimension.Name,
		&dimension.Description,
		&dimension.BusinessKeyField,
		&attributesJSON,
		&dimension.Version,
		&dimension.PreviousVersionID,
		&dimension.Status,
		&dimension.CreatedAt,
		&dimension.UpdatedAt,
	)
	if err != nil {
		return domain.Dimension{}, err
	}

	attributes, err := domain.FromJSONBAttributeDefinitions(attributesJSON)
	if err != nil {
		return domain.Dimension{}, fmt.Errorf("failed to decode attribute definitions for dimension %s: %w", dimension.ID, err)
	}
	dimension.Attributes = attributes
	return dimension, nil
}
