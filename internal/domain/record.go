package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// shadowSuffix marks the attribute key that carries the immediately
// superseded value of a SHADOW_COLUMN attribute.
const shadowSuffix = "_prev"

// ShadowKey returns the attribute key holding the previous value of a
// SHADOW_COLUMN attribute.
func ShadowKey(name string) string {
	return name + shadowSuffix
}

// IsShadowKey reports whether the attribute key is a reserved shadow key.
func IsShadowKey(name string) bool {
	return strings.HasSuffix(name, shadowSuffix)
}

// DimensionRecord is one version of a dimension row for a business key.
// The surrogate key identifies the version; the business key is stable
// across all versions. EffectiveDate is inclusive, EndDate exclusive and
// nil while the row is current. Version increases monotonically per
// business key and backs the optimistic concurrency check at commit time.
type DimensionRecord struct {
	SurrogateID    uuid.UUID      `json:"surrogate_id"`
	DimensionID    uuid.UUID      `json:"dimension_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	BusinessKey    string         `json:"business_key"`
	Attributes     map[string]any `json:"attributes"`
	EffectiveDate  time.Time      `json:"effective_date"`
	EndDate        *time.Time     `json:"end_date,omitempty"`
	IsCurrent      bool           `json:"is_current"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewDimensionRecord creates the first version of a row for a business key.
func NewDimensionRecord(dimensionID, organizationID uuid.UUID, businessKey string, attributes map[string]any, effectiveDate time.Time) DimensionRecord {
	now := time.Now()
	return DimensionRecord{
		SurrogateID:    uuid.New(),
		DimensionID:    dimensionID,
		OrganizationID: organizationID,
		BusinessKey:    businessKey,
		Attributes:     cloneAttributes(attributes),
		EffectiveDate:  effectiveDate,
		EndDate:        nil,
		IsCurrent:      true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// WithAttribute returns a copy of the record with one attribute replaced.
func (r DimensionRecord) WithAttribute(key string, value any) DimensionRecord {
	next := r
	next.Attributes = cloneAttributes(r.Attributes)
	next.Attributes[key] = value
	next.UpdatedAt = time.Now()
	return next
}

// GetAttributesAsJSONB marshals the attribute map for storage.
func (r *DimensionRecord) GetAttributesAsJSONB() (json.RawMessage, error) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	return json.Marshal(r.Attributes)
}

// FromJSONBRecordAttributes decodes a stored attribute map.
func FromJSONBRecordAttributes(attributesJSON json.RawMessage) (map[string]any, error) {
	var attributes map[string]any
	err := json.Unmarshal(attributesJSON, &attributes)
	return attributes, err
}

// cloneAttributes copies the attribute map so callers cannot mutate shared state.
func cloneAttributes(attributes map[string]any) map[string]any {
	cloned := make(map[string]any, len(attributes))
	for key, value := range attributes {
		cloned[key] = value
	}
	return cloned
}
