package export

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rpattn/dimkeeper/internal/auth"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
)

// Handler serves dimension table downloads.
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

	dimensionName := strings.TrimSpace(query.Get("dimension"))
	if dimensionName == "" {
		http.Error(w, "dimension is required", http.StatusBadRequest)
		return
	}

	format, err := ParseFormat(query.Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	scope, err := ParseScope(query.Get("scope"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := Request{
		OrganizationID: orgID,
		DimensionName:  dimensionName,
		Format:         format,
		Scope:          scope,
	}

	// Buffer the export so errors surface as an error status, not a
	// truncated download.
	var buffer bytes.Buffer
	if err := h.service.Export(r.Context(), req, &buffer); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	contentType := "text/csv"
	if format == FormatXLSX {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.FileName()))
	w.WriteHeader(http.StatusOK)
	_, _ = buffer.WriteTo(w)
}
