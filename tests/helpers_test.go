package tests

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/dimkeeper/internal/dimensions"
	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/export"
	"github.com/rpattn/dimkeeper/internal/history"
	"github.com/rpattn/dimkeeper/internal/loader"
	"github.com/rpattn/dimkeeper/internal/middleware"
	"github.com/rpattn/dimkeeper/internal/orgs"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

// memoryStore backs all repositories for endpoint tests.
type memoryStore struct {
	mu            sync.Mutex
	organizations map[uuid.UUID]domain.Organization
	dimensions    []domain.Dimension
	records       map[uuid.UUID]map[string][]domain.DimensionRecord
	logs          []domain.LoadLogEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		organizations: map[uuid.UUID]domain.Organization{},
		records:       map[uuid.UUID]map[string][]domain.DimensionRecord{},
	}
}

type memoryOrgRepo struct{ store *memoryStore }

func (r *memoryOrgRepo) Create(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.organizations[org.ID] = org
	return org, nil
}

func (r *memoryOrgRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Organization, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	org, ok := r.store.organizations[id]
	if !ok {
		return domain.Organization{}, repository.ErrNotFound
	}
	return org, nil
}

func (r *memoryOrgRepo) GetByName(ctx context.Context, name string) (domain.Organization, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, org := range r.store.organizations {
		if org.Name == name {
			return org, nil
		}
	}
	return domain.Organization{}, repository.ErrNotFound
}

func (r *memoryOrgRepo) List(ctx context.Context) ([]domain.Organization, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	list := make([]domain.Organization, 0, len(r.store.organizations))
	for _, org := range r.store.organizations {
		list = append(list, org)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (r *memoryOrgRepo) Update(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	return r.Create(ctx, org)
}

func (r *memoryOrgRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.organizations[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.store.organizations, id)
	return nil
}

type memoryDimensionRepo struct{ store *memoryStore }

func (r *memoryDimensionRepo) Create(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.dimensions = append(r.store.dimensions, dimension)
	return dimension, nil
}

func (r *memoryDimensionRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Dimension, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, dimension := range r.store.dimensions {
		if dimension.ID == id {
			return dimension, nil
		}
	}
	return domain.Dimension{}, repository.ErrNotFound
}

func (r *memoryDimensionRepo) GetByName(ctx context.Context, organizationID uuid.UUID, name string) (domain.Dimension, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i := len(r.store.dimensions) - 1; i >= 0; i-- {
		dimension := r.store.dimensions[i]
		if dimension.OrganizationID == organizationID && dimension.Name == name && dimension.Status != domain.DimensionStatusArchived {
			return dimension, nil
		}
	}
	return domain.Dimension{}, repository.ErrNotFound
}

func (r *memoryDimensionRepo) List(ctx context.Context, organizationID uuid.UUID) ([]domain.Dimension, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	latest := map[string]domain.Dimension{}
	for _, dimension := range r.store.dimensions {
		if dimension.OrganizationID == organizationID {
			latest[dimension.Name] = dimension
		}
	}
	list := make([]domain.Dimension, 0, len(latest))
	for _, dimension := range latest {
		list = append(list, dimension)
	}
	return list, nil
}

func (r *memoryDimensionRepo) ListVersions(ctx context.Context, organizationID uuid.UUID, name string) ([]domain.Dimension, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var versions []domain.Dimension
	for _, dimension := range r.store.dimensions {
		if dimension.OrganizationID == organizationID && dimension.Name == name {
			versions = append(versions, dimension)
		}
	}
	return versions, nil
}

func (r *memoryDimensionRepo) CreateVersion(ctx context.Context, dimension domain.Dimension) (domain.Dimension, error) {
	return r.Create(ctx, dimension)
}

func (r *memoryDimensionRepo) Exists(ctx context.Context, organizationID uuid.UUID, name string) (bool, error) {
	_, err := r.GetByName(ctx, organizationID, name)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *memoryDimensionRepo) Archive(ctx context.Context, dimensionID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, dimension := range r.store.dimensions {
		if dimension.ID == dimensionID {
			r.store.dimensions[i] = dimension.WithStatus(domain.DimensionStatusArchived)
			return nil
		}
	}
	return repository.ErrNotFound
}

type memoryRecordRepo struct{ store *memoryStore }

func (r *memoryRecordRepo) versionsFor(dimensionID uuid.UUID, businessKey string) []domain.DimensionRecord {
	byKey, ok := r.store.records[dimensionID]
	if !ok {
		return nil
	}
	return byKey[businessKey]
}

func (r *memoryRecordRepo) GetCurrent(ctx context.Context, dimensionID uuid.UUID, businessKey string) (domain.DimensionRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, record := range r.versionsFor(dimensionID, businessKey) {
		if record.IsCurrent {
			return record, nil
		}
	}
	return domain.DimensionRecord{}, repository.ErrNotFound
}

func (r *memoryRecordRepo) GetAsOf(ctx context.Context, dimensionID uuid.UUID, businessKey string, asOf time.Time) (domain.DimensionRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, record := range r.versionsFor(dimensionID, businessKey) {
		if record.EffectiveDate.After(asOf) {
			continue
		}
		if record.EndDate == nil || record.EndDate.After(asOf) {
			return record, nil
		}
	}
	return domain.DimensionRecord{}, repository.ErrNotFound
}

func (r *memoryRecordRepo) ListVersions(ctx context.Context, dimensionID uuid.UUID, businessKey string) ([]domain.DimensionRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	versions := append([]domain.DimensionRecord{}, r.versionsFor(dimensionID, businessKey)...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

func (r *memoryRecordRepo) ListByDimension(ctx context.Context, dimensionID uuid.UUID, filter *domain.RecordFilter, sortSpec *domain.RecordSort, limit int, offset int) ([]domain.DimensionRecord, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var matched []domain.DimensionRecord
	for _, versions := range r.store.records[dimensionID] {
		for _, record := range versions {
			if filter != nil && filter.CurrentOnly && !record.IsCurrent {
				continue
			}
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].BusinessKey != matched[j].BusinessKey {
			return matched[i].BusinessKey < matched[j].BusinessKey
		}
		return matched[i].Version < matched[j].Version
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *memoryRecordRepo) Count(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	total := 0
	for _, versions := range r.store.records[dimensionID] {
		total += len(versions)
	}
	return int64(total), nil
}

func (r *memoryRecordRepo) CountCurrent(ctx context.Context, dimensionID uuid.UUID) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	total := 0
	for _, versions := range r.store.records[dimensionID] {
		for _, record := range versions {
			if record.IsCurrent {
				total++
			}
		}
	}
	return int64(total), nil
}

func (r *memoryRecordRepo) Commit(ctx context.Context, dimension domain.Dimension, changeSet domain.ChangeSet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	byKey, ok := r.store.records[dimension.FamilyID]
	if !ok {
		byKey = map[string][]domain.DimensionRecord{}
		r.store.records[dimension.FamilyID] = byKey
	}

	for _, mutation := range changeSet.Mutations {
		switch mutation.Kind {
		case domain.MutationCloseVersion:
			applied := false
			versions := byKey[changeSet.BusinessKey]
			for i, record := range versions {
				if record.SurrogateID == mutation.SurrogateID && record.IsCurrent && record.Version == changeSet.SnapshotVersion {
					versions[i].EndDate = mutation.EndDate
					versions[i].IsCurrent = false
					applied = true
				}
			}
			if !applied {
				return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
			}
		case domain.MutationUpdateInPlace:
			applied := false
			versions := byKey[changeSet.BusinessKey]
			for i, record := range versions {
				if record.SurrogateID == mutation.SurrogateID && record.IsCurrent && record.Version == changeSet.SnapshotVersion {
					for key, value := range mutation.Set {
						versions[i].Attributes[key] = value
					}
					versions[i].Version++
					applied = true
				}
			}
			if !applied {
				return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey, SnapshotVersion: changeSet.SnapshotVersion}
			}
		case domain.MutationInsertVersion:
			record := *mutation.Record
			if record.DimensionID == uuid.Nil {
				record.DimensionID = dimension.FamilyID
				record.OrganizationID = dimension.OrganizationID
			}
			for _, existing := range byKey[changeSet.BusinessKey] {
				if existing.IsCurrent && changeSet.SnapshotVersion == 0 {
					return domain.StaleSnapshotError{BusinessKey: changeSet.BusinessKey}
				}
			}
			byKey[changeSet.BusinessKey] = append(byKey[changeSet.BusinessKey], record)
		}
	}
	return nil
}

type memoryLogRepo struct{ store *memoryStore }

func (r *memoryLogRepo) Record(ctx context.Context, entry domain.LoadLogEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.logs = append(r.store.logs, entry)
	return nil
}

func (r *memoryLogRepo) List(ctx context.Context, organizationID uuid.UUID, dimensionName string, fileName string, limit int, offset int) ([]domain.LoadLogEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var matched []domain.LoadLogEntry
	for _, entry := range r.store.logs {
		if entry.OrganizationID != organizationID {
			continue
		}
		if dimensionName != "" && entry.DimensionName != dimensionName {
			continue
		}
		matched = append(matched, entry)
	}
	return matched, nil
}

// newTestServer wires the HTTP surface over in-memory repositories,
// mirroring the production mux.
func newTestServer(t *testing.T) (*httptest.Server, *memoryStore) {
	t.Helper()

	store := newMemoryStore()
	orgRepo := &memoryOrgRepo{store: store}
	dimensionRepo := &memoryDimensionRepo{store: store}
	recordRepo := &memoryRecordRepo{store: store}
	logRepo := &memoryLogRepo{store: store}

	loaderService := loader.NewService(orgRepo, dimensionRepo, recordRepo, logRepo)
	historyService := history.NewService(dimensionRepo, recordRepo)
	exportService := export.NewService(dimensionRepo, recordRepo)

	mux := http.NewServeMux()
	mount := func(pattern string, handler http.Handler) {
		mux.Handle(pattern, middleware.OrganizationScopeMiddleware(handler))
	}
	mount("/api/organizations", orgs.NewHTTPHandler(orgRepo))
	mount("/api/organizations/", orgs.NewHTTPHandler(orgRepo))
	mount("/api/dimensions", dimensions.NewHTTPHandler(dimensionRepo, recordRepo))
	mount("/api/dimensions/", dimensions.NewHTTPHandler(dimensionRepo, recordRepo))
	mount("/api/load", loader.NewHTTPHandler(loaderService))
	mount("/api/load/", loader.NewHTTPHandler(loaderService))
	mount("/api/history", history.NewHTTPHandler(historyService))
	mount("/api/history/", history.NewHTTPHandler(historyService))
	mount("/api/export", export.NewHTTPHandler(exportService))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, store
}

func seedOrganization(t *testing.T, store *memoryStore, name string) domain.Organization {
	t.Helper()
	org := domain.NewOrganization(name, "")
	store.mu.Lock()
	store.organizations[org.ID] = org
	store.mu.Unlock()
	return org
}

// uploadFeed posts a CSV payload to /api/load as a multipart form.
func uploadFeed(t *testing.T, server *httptest.Server, orgID uuid.UUID, dimensionName, asOf, csvData string, extraFields map[string]string) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "feed.csv")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(csvData)); err != nil {
		t.Fatalf("failed to write feed: %v", err)
	}

	fields := map[string]string{
		"organizationId": orgID.String(),
		"dimensionName":  dimensionName,
	}
	if asOf != "" {
		fields["asOfDate"] = asOf
	}
	for key, value := range extraFields {
		fields[key] = value
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/load", writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("failed to post feed: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(data)
}
