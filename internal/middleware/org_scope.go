package middleware

import (
	"net/http"
	"strings"

	"github.com/rpattn/dimkeeper/internal/auth"

	"github.com/google/uuid"
)

// OrganizationScopeMiddleware lifts the X-Organization-Id header into the
// request context so handlers can enforce tenant scope.
func OrganizationScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := strings.TrimSpace(r.Header.Get("X-Organization-Id")); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid X-Organization-Id header", http.StatusBadRequest)
				return
			}
			r = r.WithContext(auth.ContextWithOrganizationID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
