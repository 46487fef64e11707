package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

// Service answers questions about a business key's version history.
type Service struct {
	dimensionRepo repository.DimensionRepository
	recordRepo    repository.DimensionRecordRepository
}

func NewService(dimensionRepo repository.DimensionRepository, recordRepo repository.DimensionRecordRepository) *Service {
	return &Service{
		dimensionRepo: dimensionRepo,
		recordRepo:    recordRepo,
	}
}

// TimelineEntry is one row in a business key's version timeline.
type TimelineEntry struct {
	SurrogateID   uuid.UUID      `json:"surrogateId"`
	Version       int64          `json:"version"`
	EffectiveDate time.Time      `json:"effectiveDate"`
	EndDate       *time.Time     `json:"endDate,omitempty"`
	IsCurrent     bool           `json:"isCurrent"`
	Attributes    map[string]any `json:"attributes"`
}

// Timeline lists every stored version of a business key, oldest first.
func (s *Service) Timeline(ctx context.Context, organizationID uuid.UUID, dimensionName, businessKey string) ([]TimelineEntry, error) {
	dimension, err := s.resolveDimension(ctx, organizationID, dimensionName)
	if err != nil {
		return nil, err
	}

	records, err := s.recordRepo.ListVersions(ctx, dimension.FamilyID, businessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("business key %s: %w", businessKey, repository.ErrNotFound)
	}

	entries := make([]TimelineEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, TimelineEntry{
			SurrogateID:   record.SurrogateID,
			Version:       record.Version,
			EffectiveDate: record.EffectiveDate,
			EndDate:       record.EndDate,
			IsCurrent:     record.IsCurrent,
			Attributes:    record.Attributes,
		})
	}
	return entries, nil
}

// AsOf returns the version of a business key that was in effect at a point
// in time: effective on or before it, not yet ended at it.
func (s *Service) AsOf(ctx context.Context, organizationID uuid.UUID, dimensionName, businessKey string, asOf time.Time) (domain.DimensionRecord, error) {
	dimension, err := s.resolveDimension(ctx, organizationID, dimensionName)
	if err != nil {
		return domain.DimensionRecord{}, err
	}

	record, err := s.recordRepo.GetAsOf(ctx, dimension.FamilyID, businessKey, asOf)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.DimensionRecord{}, fmt.Errorf("business key %s has no version effective at %s: %w",
				businessKey, asOf.Format(time.RFC3339), repository.ErrNotFound)
		}
		return domain.DimensionRecord{}, fmt.Errorf("failed to resolve as-of version: %w", err)
	}
	return record, nil
}

// Diff renders a unified diff between two stored versions of a business key.
func (s *Service) Diff(ctx context.Context, organizationID uuid.UUID, dimensionName, businessKey string, fromVersion, toVersion int64) (string, error) {
	dimension, err := s.resolveDimension(ctx, organizationID, dimensionName)
	if err != nil {
		return "", err
	}

	records, err := s.recordRepo.ListVersions(ctx, dimension.FamilyID, businessKey)
	if err != nil {
		return "", fmt.Errorf("failed to list versions: %w", err)
	}

	var from, to *domain.RecordSnapshot
	for _, record := range records {
		if record.Version == fromVersion {
			snapshot := domain.NewRecordSnapshot(record)
			from = &snapshot
		}
		if record.Version == toVersion {
			snapshot := domain.NewRecordSnapshot(record)
			to = &snapshot
		}
	}
	if from == nil {
		return "", fmt.Errorf("version %d of %s: %w", fromVersion, businessKey, repository.ErrNotFound)
	}
	if to == nil {
		return "", fmt.Errorf("version %d of %s: %w", toVersion, businessKey, repository.ErrNotFound)
	}

	diff, err := domain.DiffRecordSnapshots(
		fmt.Sprintf("v%d", fromVersion), from,
		fmt.Sprintf("v%d", toVersion), to,
	)
	if err != nil {
		return "", fmt.Errorf("failed to diff versions: %w", err)
	}
	return diff, nil
}

func (s *Service) resolveDimension(ctx context.Context, organizationID uuid.UUID, dimensionName string) (domain.Dimension, error) {
	dimension, err := s.dimensionRepo.GetByName(ctx, organizationID, dimensionName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Dimension{}, fmt.Errorf("dimension %s: %w", dimensionName, repository.ErrNotFound)
		}
		return domain.Dimension{}, fmt.Errorf("failed to load dimension: %w", err)
	}
	return dimension, nil
}
