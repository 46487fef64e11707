package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/dimkeeper/internal/auth"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

// Handler exposes version history queries over GET endpoints.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/diff"):
		h.handleDiff(w, r)
	case strings.HasSuffix(r.URL.Path, "/as-of"):
		h.handleAsOf(w, r)
	default:
		h.handleTimeline(w, r)
	}
}

type requestScope struct {
	organizationID uuid.UUID
	dimensionName  string
	businessKey    string
}

func scopeFromQuery(r *http.Request) (requestScope, error) {
	query := r.URL.Query()

	orgID, err := uuid.Parse(strings.TrimSpace(query.Get("organizationId")))
	if err != nil {
		return requestScope{}, fmt.Errorf("invalid organization id: %w", err)
	}

	dimensionName := strings.TrimSpace(query.Get("dimension"))
	if dimensionName == "" {
		return requestScope{}, errors.New("dimension is required")
	}

	businessKey := strings.TrimSpace(query.Get("businessKey"))
	if businessKey == "" {
		return requestScope{}, errors.New("businessKey is required")
	}

	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		return requestScope{}, err
	}

	return requestScope{
		organizationID: orgID,
		dimensionName:  dimensionName,
		businessKey:    businessKey,
	}, nil
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := h.service.Timeline(r.Context(), scope.organizationID, scope.dimensionName, scope.businessKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"businessKey": scope.businessKey,
		"versions":    entries,
	})
}

func (h *Handler) handleAsOf(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" {
		http.Error(w, "at is required", http.StatusBadRequest)
		return
	}
	at, err := parseInstant(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid at: %v", err), http.StatusBadRequest)
		return
	}

	record, err := h.service.AsOf(r.Context(), scope.organizationID, scope.dimensionName, scope.businessKey, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	fromVersion, err := strconv.ParseInt(strings.TrimSpace(query.Get("from")), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid from version: %v", err), http.StatusBadRequest)
		return
	}
	toVersion, err := strconv.ParseInt(strings.TrimSpace(query.Get("to")), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid to version: %v", err), http.StatusBadRequest)
		return
	}

	diff, err := h.service.Diff(r.Context(), scope.organizationID, scope.dimensionName, scope.businessKey, fromVersion, toVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"businessKey": scope.businessKey,
		"from":        fmt.Sprintf("v%d", fromVersion),
		"to":          fmt.Sprintf("v%d", toVersion),
		"diff":        diff,
	})
}

func parseInstant(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", raw)
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
