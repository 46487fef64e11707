package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// OrganizationRepository defines the interface for organization operations.
type OrganizationRepository interface {
	Create(ctx context.Context, org domain.Organization) (domain.Organization, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Organization, error)
	GetByName(ctx context.Context, name string) (domain.Organization, error)
	List(ctx context.Context) ([]domain.Organization, error)
	Update(ctx context.Context, org domain.Organization) (domain.Organization, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DimensionRepository defines the interface for dimension definition operations.
type DimensionRepository interface {
	Create(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Dimension, error)
	GetByName(ctx context.Context, organizationID uuid.UUID, name string) (domain.Dimension, error)
	List(ctx context.Context, organizationID uuid.UUID) ([]domain.Dimension, error)
	ListVersions(ctx context.Context, organizationID uuid.UUID, name string) ([]domain.Dimension, error)
	CreateVersion(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error)
	Exists(ctx context.Context, organizationID uuid.UUID, name string) (bool, error)
	Archive(ctx context.Context, dimensionID uuid.UUID) error
}

// DimensionRecordRepository defines the interface for dimension row storage.
// Commit applies a change set transactionally: either every mutation in the
// set lands or none does. Mutations against an existing row carry the
// snapshot version the set was computed from; when the stored row has moved
// past it Commit returns domain.StaleSnapshotError and the caller must
// re-read and recompute.
type DimensionRecordRepository interface {
	GetCurrent(ctx context.Context, dimensionID uuid.UUID, businessKey string) (domain.DimensionRecord, error)
	GetAsOf(ctx context.Context, dimensionID uuid.UUID, businessKey string, asOf time.Time) (domain.DimensionRecord, error)
	ListVersions(ctx context.Context, dimensionID uuid.UUID, businessKey string) ([]domain.DimensionRecord, error)
	ListByDimension(ctx context.Context, dimensionID uuid.UUID, filter *domain.RecordFilter, sort *domain.RecordSort, limit int, offset int) ([]domain.DimensionRecord, int, error)
	Count(ctx context.Context, dimensionID uuid.UUID) (int64, error)
	CountCurrent(ctx context.Context, dimensionID uuid.UUID) (int64, error)
	Commit(ctx context.Context, dimension domain.Dimension, changeSet domain.ChangeSet) error
}

// LoadLogRepository stores feed row failures for observability.
type LoadLogRepository interface {
	Record(ctx context.Context, entry domain.LoadLogEntry) error
	List(ctx context.Context, organizationID uuid.UUID, dimensionName string, fileName string, limit int, offset int) ([]domain.LoadLogEntry, error)
}
