package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/dimkeeper/internal/auth"
	"github.com/rpattn/dimkeeper/internal/domain"

	"github.com/google/uuid"
)

// Handler exposes feed loading as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a POST endpoint.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/logs") {
		h.handleListLogs(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	orgIDRaw := strings.TrimSpace(r.FormValue("organizationId"))
	orgID, err := uuid.Parse(orgIDRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organization id: %v", err), http.StatusBadRequest)
		return
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	dimensionName := strings.TrimSpace(r.FormValue("dimensionName"))
	if dimensionName == "" {
		http.Error(w, "dimensionName is required", http.StatusBadRequest)
		return
	}

	req := Request{
		OrganizationID:   orgID,
		DimensionName:    dimensionName,
		Description:      strings.TrimSpace(r.FormValue("description")),
		BusinessKeyField: strings.TrimSpace(r.FormValue("businessKeyField")),
		FileName:         header.Filename,
	}

	if raw := strings.TrimSpace(r.FormValue("asOfDate")); raw != "" {
		asOf, err := parseTimestamp(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid asOfDate: %v", err), http.StatusBadRequest)
			return
		}
		req.AsOfDate = &asOf
	}

	if raw := strings.TrimSpace(r.FormValue("headerRowIndex")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid headerRowIndex: %v", err), http.StatusBadRequest)
			return
		}
		req.HeaderRowIndex = &idx
	}

	if raw := strings.TrimSpace(r.FormValue("policyOverrides")); raw != "" {
		overrides, err := parsePolicyOverrides(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid policyOverrides: %v", err), http.StatusBadRequest)
			return
		}
		req.PolicyOverrides = overrides
	}

	if raw := strings.TrimSpace(r.FormValue("typeOverrides")); raw != "" {
		overrides, err := parseTypeOverrides(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid typeOverrides: %v", err), http.StatusBadRequest)
			return
		}
		req.TypeOverrides = overrides
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}
	req.Data = bytes.NewReader(data)

	summary, err := h.service.Load(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	orgID, err := uuid.Parse(strings.TrimSpace(query.Get("organizationId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organization id: %v", err), http.StatusBadRequest)
		return
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}

	entries, err := h.service.ListLogs(r.Context(), orgID,
		strings.TrimSpace(query.Get("dimension")),
		strings.TrimSpace(query.Get("fileName")),
		limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// parsePolicyOverrides accepts a JSON object mapping column names to
// change policies, e.g. {"Phone":"OVERWRITE","City":"VERSION"}.
func parsePolicyOverrides(raw string) (map[string]domain.ChangePolicy, error) {
	var byName map[string]string
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, err
	}

	overrides := make(map[string]domain.ChangePolicy, len(byName))
	for name, value := range byName {
		policy, err := domain.ParseChangePolicy(value)
		if err != nil {
			return nil, err
		}
		overrides[name] = policy
	}
	return overrides, nil
}

func parseTypeOverrides(raw string) (map[string]domain.ValueType, error) {
	var byName map[string]string
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, err
	}

	overrides := make(map[string]domain.ValueType, len(byName))
	for name, value := range byName {
		switch vt := domain.ValueType(strings.ToLower(strings.TrimSpace(value))); vt {
		case domain.ValueTypeString, domain.ValueTypeInteger, domain.ValueTypeFloat,
			domain.ValueTypeBoolean, domain.ValueTypeTimestamp:
			overrides[name] = vt
		default:
			return nil, fmt.Errorf("unknown value type %q", value)
		}
	}
	return overrides, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
