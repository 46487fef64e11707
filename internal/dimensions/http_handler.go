package dimensions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/dimkeeper/internal/auth"
	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

// Handler exposes dimension definitions and their row listings.
type Handler struct {
	dimensionRepo repository.DimensionRepository
	recordRepo    repository.DimensionRecordRepository
}

func NewHTTPHandler(dimensionRepo repository.DimensionRepository, recordRepo repository.DimensionRecordRepository) http.Handler {
	return &Handler{
		dimensionRepo: dimensionRepo,
		recordRepo:    recordRepo,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/versions"):
		h.handleListVersions(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/records"):
		h.handleListRecords(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/archive"):
		h.handleArchive(w, r)
	case r.Method == http.MethodGet:
		h.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func organizationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("organizationId")))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid organization id: %w", err)
	}
	if err := auth.EnforceOrganizationScope(r.Context(), id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	orgID, err := organizationID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.dimensionRepo.List(r.Context(), orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type counted struct {
		domain.Dimension
		RowCount     int64 `json:"rowCount"`
		CurrentCount int64 `json:"currentCount"`
	}
	payload := make([]counted, 0, len(list))
	for _, dimension := range list {
		total, err := h.recordRepo.Count(r.Context(), dimension.FamilyID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		current, err := h.recordRepo.CountCurrent(r.Context(), dimension.FamilyID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		payload = append(payload, counted{Dimension: dimension, RowCount: total, CurrentCount: current})
	}

	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	orgID, err := organizationID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("dimension"))
	if name == "" {
		http.Error(w, "dimension is required", http.StatusBadRequest)
		return
	}

	versions, err := h.dimensionRepo.ListVersions(r.Context(), orgID, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	orgID, err := organizationID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	name := strings.TrimSpace(query.Get("dimension"))
	if name == "" {
		http.Error(w, "dimension is required", http.StatusBadRequest)
		return
	}

	dimension, err := h.dimensionRepo.GetByName(r.Context(), orgID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filter := &domain.RecordFilter{
		CurrentOnly:       query.Get("currentOnly") != "false",
		BusinessKeyPrefix: strings.TrimSpace(query.Get("keyPrefix")),
	}
	if raw := strings.TrimSpace(query.Get("attributeEquals")); raw != "" {
		var pairs map[string]any
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			http.Error(w, fmt.Sprintf("invalid attributeEquals: %v", err), http.StatusBadRequest)
			return
		}
		filter.AttributeEquals = pairs
	}

	sortSpec := &domain.RecordSort{
		Field:     domain.RecordSortFieldBusinessKey,
		Direction: domain.SortDirectionAsc,
	}
	if raw := strings.TrimSpace(query.Get("sort")); raw != "" {
		sortSpec.Field = domain.RecordSortField(raw)
	}
	if strings.EqualFold(strings.TrimSpace(query.Get("direction")), string(domain.SortDirectionDesc)) {
		sortSpec.Direction = domain.SortDirectionDesc
	}

	limit := intQuery(query.Get("limit"), 100)
	offset := intQuery(query.Get("offset"), 0)

	records, total, err := h.recordRepo.ListByDimension(r.Context(), dimension.FamilyID, filter, sortSpec, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dimension":  dimension.Name,
		"totalCount": total,
		"records":    records,
	})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	orgID, err := organizationID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("dimension"))
	if name == "" {
		http.Error(w, "dimension is required", http.StatusBadRequest)
		return
	}

	dimension, err := h.dimensionRepo.GetByName(r.Context(), orgID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.dimensionRepo.Archive(r.Context(), dimension.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intQuery(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
