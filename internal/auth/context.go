// Package auth carries the tenant scope established by the HTTP layer
// through request contexts.
package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type scopeKey struct{}

// ContextWithOrganizationID stamps the request context with the tenant the
// caller is acting for.
func ContextWithOrganizationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, scopeKey{}, id)
}

// OrganizationIDFromContext reports the tenant scope carried by ctx. The
// second result is false when no scope was established.
func OrganizationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(scopeKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// EnforceOrganizationScope rejects requests that name a tenant other than the
// one the context was scoped to. Unscoped contexts pass through so internal
// callers are not forced to set a header.
func EnforceOrganizationScope(ctx context.Context, organizationID uuid.UUID) error {
	if organizationID == uuid.Nil {
		return fmt.Errorf("organizationId is required")
	}
	if scoped, ok := OrganizationIDFromContext(ctx); ok && scoped != organizationID {
		return fmt.Errorf("organizationId %s does not match authenticated scope", organizationID)
	}
	return nil
}
