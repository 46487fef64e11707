package loader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

type stubOrgRepo struct {
	org domain.Organization
}

func (s *stubOrgRepo) Create(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	s.org = org
	return org, nil
}

func (s *stubOrgRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Organization, error) {
	if s.org.ID != id {
		return domain.Organization{}, repository.ErrNotFound
	}
	return s.org, nil
}

func (s *stubOrgRepo) GetByName(ctx context.Context, name string) (domain.Organization, error) {
	return s.org, nil
}

func (s *stubOrgRepo) List(ctx context.Context) ([]domain.Organization, error) {
	return []domain.Organization{s.org}, nil
}

func (s *stubOrgRepo) Update(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	s.org = org
	return org, nil
}

func (s *stubOrgRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

type stubDimensionRepo struct {
	dimensions []domain.Dimension
}

func (s *stubDimensionRepo) Create(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	s.dimensions = append(s.dimensions, dimension)
	return dimension, nil
}

func (s *stubDimensionRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Dimension, error) {
	for _, dimension := range s.dimensions {
		if dimension.ID == id {
			return dimension, nil
		}
	}
	return domain.Dimension{}, repository.ErrNotFound
}

func (s *stubDimensionRepo) GetByName(ctx context.Context, organizationID uuid.UUID, name string) (domain.Dimension, error) {
	for i := len(s.dimensions) - 1; i >= 0; i-- {
		dimension := s.dimensions[i]
		if dimension.OrganizationID == organizationID && dimension.Name == name {
			return dimension, nil
		}
	}
	return domain.Dimension{}, repository.ErrNotFound
}

func (s *stubDimensionRepo) List(ctx context.Context, organizationID uuid.UUID) ([]domain.Dimension, error) {
	return s.dimensions, nil
}

func (s *stubDimensionRepo) ListVersions(ctx context.Context, organizationID uuid.UUID, name string) ([]domain.Dimension, error) {
	return s.dimensions, nil
}

func (s *stubDimensionRepo) CreateVersion(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	s.dimensions = append(s.dimensions, dimension)
	return dimension, nil
}

func (s *stubDimensionRepo) Exists(ctx context.Context, organizationID uuid.UUID, name string) (bool, error) {
	_, err := s.GetByName(ctx, organizationID, name)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *stubDimensionRepo) Archive(ctx context.Context, dimensionID uuid.UUID) error { return nil }

// stubRecordRepo keys rows by (dimension id, business key) the way the real
// repository does, so a lookup under the wrong dimension id misses.
type stubRecordRepo struct {
	records      map[uuid.UUID]map[string][]domain.DimensionRecord
	staleOnce    bool
	commitCalls  int
	staleReturns int
}

func newStubRecordRepo() *stubRecordRepo {
	return &stubRecordRepo{records: map[uuid.UUID]map[string][]domain.DimensionRecord{}}
}

func (s *stubRecordRepo) versionsOf(dimensionID uuid.UUID, businessKey string) []domain.DimensionRecord {
	return s.records[dimensionID][businessKey]
}

func (s *stubRecordRepo) GetCurrent(ctx context.Context, dimensionID uuid.UUID, businessKey string) (domain.DimensionRecord, error) {
	for _, record := range s.versionsOf(dimensionID, businessKey) {
		if record.IsCurrent {
			return record, nil
		}
	}
	return domain.DimensionRecord{}, repository.ErrNotFound
}

func (s *stubRecordRepo) GetAsOf(ctx context.Context, dimensionID uuid.UUID, businessKey string, asOf time.Time) (domain.DimensionRecord, error) {
	for _, record := range s.versionsOf(dimensionID, businessKey) {
		if !record.EffectiveDate.After(asOf) && (record.EndDate == nil || record.EndDate.After(asOf)) {
			return record, nil
		}
	}
	return domain.DimensionRecord{}, repository.ErrNotFound
}

func (s *stubRecordRepo) ListVersions(ctx context.Context, dimensionID uuid.UUID, businessKey string) ([]domain.DimensionRecord, error) {
	return s.versionsOf(dimensionID, businessKey), nil
}

func (s *stubRecordRepo) ListByDimension(ctx context.Context, dimensionID uuid.UUID, filter *domain.RecordFilter, sort *domain.RecordSort, limit int, offset int) ([]domain.DimensionRecord, int, error) {
	var all []domain.DimensionRecord
	for _, versions := range s.records[dimensionID] {
		for _, record := range versions {
			if filter != nil && filter.CurrentOnly && !record.IsCurrent {
				continue
			}
			all = append(all, record)
		}
	}
	return all, len(all), nil
}

func (s *stubRecordRepo) Count(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	total := 0
	for _, versions := range s.records[dimensionID] {
		total += len(versions)
	}
	return int64(total), nil
}

func (s *stubRecordRepo) CountCurrent(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	total := 0
	for _, versions := range s.records[dimensionID] {
		for _, record := range versions {
			if record.IsCurrent {
				total++
			}
		}
	}
	return int64(total), nil
}

func (s *stubRecordRepo) Commit(ctx context.Context, dimension domain.Dimension, changeSet domain.ChangeSet) error {
	s.commitCalls++
	if s.staleOnce {
		s.staleOnce = false
		s.staleReturns++
		return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
	}

	byKey, ok := s.records[dimension.FamilyID]
	if !ok {
		byKey = map[string][]domain.DimensionRecord{}
		s.records[dimension.FamilyID] = byKey
	}

	for _, mutation := range changeSet.Mutations {
		switch mutation.Kind {
		case domain.MutationCloseVersion:
			versions := byKey[changeSet.BusinessKey]
			for i, record := range versions {
				if record.SurrogateID == mutation.SurrogateID {
					versions[i].EndDate = mutation.EndDate
					versions[i].IsCurrent = false
				}
			}
		case domain.MutationUpdateInPlace:
			versions := byKey[changeSet.BusinessKey]
			for i, record := range versions {
				if record.SurrogateID == mutation.SurrogateID {
					for key, value := range mutation.Set {
						versions[i].Attributes[key] = value
					}
					versions[i].Version++
				}
			}
		case domain.MutationInsertVersion:
			record := *mutation.Record
			if record.DimensionID == uuid.Nil {
				record.DimensionID = dimension.FamilyID
				record.OrganizationID = dimension.OrganizationID
			}
			byKey[changeSet.BusinessKey] = append(byKey[changeSet.BusinessKey], record)
		}
	}
	return nil
}

type stubLogRepo struct {
	entries []domain.LoadLogEntry
}

func (s *stubLogRepo) Record(ctx context.Context, entry domain.LoadLogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubLogRepo) List(ctx context.Context, organizationID uuid.UUID, dimensionName string, fileName string, limit int, offset int) ([]domain.LoadLogEntry, error) {
	return s.entries, nil
}

func fixtures() (*stubOrgRepo, *stubDimensionRepo, *stubRecordRepo, *stubLogRepo, *Service, uuid.UUID) {
	org := domain.NewOrganization("acme", "")
	orgRepo := &stubOrgRepo{org: org}
	dimensionRepo := &stubDimensionRepo{}
	recordRepo := newStubRecordRepo()
	logRepo := &stubLogRepo{}
	service := NewService(orgRepo, dimensionRepo, recordRepo, logRepo)
	return orgRepo, dimensionRepo, recordRepo, logRepo, service, org.ID
}

func asOf(value string) *time.Time {
	ts, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return &ts
}

func TestLoadCreatesDimensionAndRows(t *testing.T) {
	_, dimensionRepo, recordRepo, _, service, orgID := fixtures()

	data := `customer_id,name,city,age
CUST-001,Alice,Austin,30
CUST-002,Bob,Dallas,25
`
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "customers.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(data),
	})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	if !summary.DimensionCreated {
		t.Fatalf("expected dimension to be created")
	}
	if summary.TotalRows != 2 || summary.NewKeys != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	dimension, err := dimensionRepo.GetByName(context.Background(), orgID, "customer")
	if err != nil {
		t.Fatalf("dimension missing: %v", err)
	}
	if dimension.BusinessKeyField != "customer_id" {
		t.Fatalf("expected first column as business key, got %s", dimension.BusinessKeyField)
	}

	ageDef, ok := dimension.AttributeNamed("age")
	if !ok || ageDef.Type != domain.ValueTypeInteger {
		t.Fatalf("expected age inferred as integer, got %+v", ageDef)
	}
	cityDef, _ := dimension.AttributeNamed("city")
	if cityDef.Policy != domain.PolicyVersion {
		t.Fatalf("columns default to VERSION, got %s", cityDef.Policy)
	}

	current, err := recordRepo.GetCurrent(context.Background(), dimension.ID, "CUST-001")
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if current.Attributes["city"] != "Austin" || current.Version != 1 {
		t.Fatalf("unexpected row: %+v", current)
	}
	if current.DimensionID != dimension.ID {
		t.Fatalf("insert must stamp the dimension id")
	}
}

func TestLoadVersionedChangeCreatesNewRow(t *testing.T) {
	_, dimensionRepo, recordRepo, _, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "customer_id,city\nCUST-001,Dallas\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	if summary.NewVersions != 1 {
		t.Fatalf("expected one new version, got %+v", summary)
	}

	dimension, _ := dimensionRepo.GetByName(context.Background(), orgID, "customer")
	versions, _ := recordRepo.ListVersions(context.Background(), dimension.ID, "CUST-001")
	if len(versions) != 2 {
		t.Fatalf("expected 2 stored versions, got %d", len(versions))
	}

	closed := versions[0]
	if closed.IsCurrent || closed.EndDate == nil {
		t.Fatalf("expected first version closed, got %+v", closed)
	}
	current := versions[1]
	if !current.IsCurrent || current.Attributes["city"] != "Dallas" || current.Version != 2 {
		t.Fatalf("unexpected current version: %+v", current)
	}
}

func TestLoadOverwriteOverrideUpdatesInPlace(t *testing.T) {
	_, dimensionRepo, recordRepo, _, service, orgID := fixtures()

	overrides := map[string]domain.ChangePolicy{"phone": domain.PolicyOverwrite}

	first := "customer_id,phone\nCUST-001,555-1234\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID:  orgID,
		DimensionName:   "customer",
		FileName:        "feed.csv",
		AsOfDate:        asOf("2023-01-01"),
		PolicyOverrides: overrides,
		Data:            strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "customer_id,phone\nCUST-001,555-5678\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID:  orgID,
		DimensionName:   "customer",
		FileName:        "feed.csv",
		AsOfDate:        asOf("2023-07-01"),
		PolicyOverrides: overrides,
		Data:            strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	if summary.UpdatedInPlace != 1 || summary.NewVersions != 0 {
		t.Fatalf("expected in-place update, got %+v", summary)
	}

	dimension, _ := dimensionRepo.GetByName(context.Background(), orgID, "customer")
	versions, _ := recordRepo.ListVersions(context.Background(), dimension.ID, "CUST-001")
	if len(versions) != 1 {
		t.Fatalf("overwrite must not add versions, got %d", len(versions))
	}
	if versions[0].Attributes["phone"] != "555-5678" {
		t.Fatalf("expected updated phone, got %v", versions[0].Attributes["phone"])
	}
}

func TestLoadUnchangedRowsCounted(t *testing.T) {
	_, _, _, _, service, orgID := fixtures()

	data := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(data),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(data),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}
	if summary.UnchangedRows != 1 || summary.NewVersions != 0 {
		t.Fatalf("expected unchanged row, got %+v", summary)
	}
}

func TestLoadNewColumnEvolvesDimension(t *testing.T) {
	_, dimensionRepo, _, _, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "customer_id,city,tier\nCUST-001,Austin,gold\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	if len(summary.NewAttributesDetected) != 1 || summary.NewAttributesDetected[0] != "tier" {
		t.Fatalf("expected tier detected, got %+v", summary.NewAttributesDetected)
	}

	dimension, _ := dimensionRepo.GetByName(context.Background(), orgID, "customer")
	if dimension.Version != "1.1.0" {
		t.Fatalf("expected minor version bump, got %s", dimension.Version)
	}
	if _, ok := dimension.AttributeNamed("tier"); !ok {
		t.Fatalf("expected tier attribute on new definition version")
	}
	if dimension.PreviousVersionID == nil {
		t.Fatalf("expected previous version link")
	}
}

func TestLoadNewColumnKeepsRowHistory(t *testing.T) {
	_, dimensionRepo, recordRepo, _, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "customer_id,city,tier\nCUST-001,Dallas,gold\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	// The evolved definition must still see the key's existing row: a
	// changed attribute is a new version, never a first sight.
	if summary.NewKeys != 0 || summary.NewVersions != 1 {
		t.Fatalf("expected one new version and no new keys, got %+v", summary)
	}

	dimension, _ := dimensionRepo.GetByName(context.Background(), orgID, "customer")
	if dimension.FamilyID == dimension.ID {
		t.Fatalf("expected a new definition version with the original family id")
	}

	versions, _ := recordRepo.ListVersions(context.Background(), dimension.FamilyID, "CUST-001")
	if len(versions) != 2 {
		t.Fatalf("expected a continuous 2-version timeline, got %d", len(versions))
	}

	currentCount := 0
	for _, record := range versions {
		if record.IsCurrent {
			currentCount++
			if record.Attributes["city"] != "Dallas" || record.Attributes["tier"] != "gold" {
				t.Fatalf("unexpected current attributes: %+v", record.Attributes)
			}
		} else if record.EndDate == nil {
			t.Fatalf("closed version must carry an end date: %+v", record)
		}
	}
	if currentCount != 1 {
		t.Fatalf("expected exactly one current row, got %d", currentCount)
	}

	total, _ := recordRepo.CountCurrent(context.Background(), dimension.FamilyID)
	if total != 1 {
		t.Fatalf("expected one current row across the dimension, got %d", total)
	}
}

func TestLoadRejectsBadRowsAndRecordsThem(t *testing.T) {
	_, _, _, logRepo, service, orgID := fixtures()

	first := "customer_id,age\nCUST-001,30\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "customer_id,age\nCUST-001,not-a-number\n,40\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	if summary.RejectedRows != 2 {
		t.Fatalf("expected 2 rejected rows, got %+v", summary)
	}
	if len(logRepo.entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logRepo.entries))
	}
	if logRepo.entries[0].RowNumber == nil {
		t.Fatalf("expected row number on log entry")
	}
}

func TestLoadRetriesOnceOnStaleSnapshot(t *testing.T) {
	_, _, recordRepo, _, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	recordRepo.staleOnce = true
	before := recordRepo.commitCalls

	second := "customer_id,city\nCUST-001,Dallas\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	})
	if err != nil {
		t.Fatalf("second load returned error: %v", err)
	}

	if summary.NewVersions != 1 || summary.RejectedRows != 0 {
		t.Fatalf("expected retry to succeed, got %+v", summary)
	}
	if recordRepo.commitCalls-before != 2 {
		t.Fatalf("expected exactly 2 commit attempts, got %d", recordRepo.commitCalls-before)
	}
	if recordRepo.staleReturns != 1 {
		t.Fatalf("expected one stale return, got %d", recordRepo.staleReturns)
	}
}

func TestLoadOutOfOrderFeedRejectsRow(t *testing.T) {
	_, _, _, logRepo, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	late := "customer_id,city\nCUST-001,Dallas\n"
	summary, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-03-01"),
		Data:           strings.NewReader(late),
	})
	if err != nil {
		t.Fatalf("late load returned error: %v", err)
	}

	if summary.RejectedRows != 1 {
		t.Fatalf("expected out-of-order row rejected, got %+v", summary)
	}
	if len(logRepo.entries) != 1 || !strings.Contains(logRepo.entries[0].ErrorMessage, "out-of-order") {
		t.Fatalf("expected out-of-order log entry, got %+v", logRepo.entries)
	}
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	_, _, _, _, service, orgID := fixtures()

	_, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.parquet",
		Data:           strings.NewReader("x"),
	})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestLoadMismatchedBusinessKeyFieldFails(t *testing.T) {
	_, _, _, _, service, orgID := fixtures()

	first := "customer_id,city\nCUST-001,Austin\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-01-01"),
		Data:           strings.NewReader(first),
	}); err != nil {
		t.Fatalf("first load returned error: %v", err)
	}

	second := "other_key,city\nCUST-001,Dallas\n"
	if _, err := service.Load(context.Background(), Request{
		OrganizationID: orgID,
		DimensionName:  "customer",
		FileName:       "feed.csv",
		AsOfDate:       asOf("2023-07-01"),
		Data:           strings.NewReader(second),
	}); err == nil {
		t.Fatalf("expected mismatched key field error")
	}
}
