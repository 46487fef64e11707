package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueType represents the declared type of a dimension attribute.
type ValueType string

const (
	ValueTypeString    ValueType = "string"
	ValueTypeInteger   ValueType = "integer"
	ValueTypeFloat     ValueType = "float"
	ValueTypeBoolean   ValueType = "boolean"
	ValueTypeTimestamp ValueType = "timestamp"
)

// AttributeDefinition declares one tracked attribute of a dimension: its
// value type and the change policy applied when a new value arrives.
type AttributeDefinition struct {
	Name        string       `json:"name"`
	Policy      ChangePolicy `json:"policy"`
	Type        ValueType    `json:"type"`
	Required    bool         `json:"required"`
	Description string       `json:"description,omitempty"`
}

// DimensionStatus represents lifecycle status of a dimension version.
type DimensionStatus string

const (
	DimensionStatusActive     DimensionStatus = "ACTIVE"
	DimensionStatusDeprecated DimensionStatus = "DEPRECATED"
	DimensionStatusArchived   DimensionStatus = "ARCHIVED"
	DimensionStatusDraft      DimensionStatus = "DRAFT"
)

// CompatibilityLevel represents semantic version compatibility.
type CompatibilityLevel string

const (
	CompatibilityPatch CompatibilityLevel = "patch"
	CompatibilityMinor CompatibilityLevel = "minor"
	CompatibilityMajor CompatibilityLevel = "major"
)

// Dimension is the versioned definition of a dimension table: the business
// key field plus the tracked attributes and their change policies.
//
// ID identifies one definition version; FamilyID identifies the dimension
// across all of its definition versions and is what stored rows are keyed
// by, so evolving the definition never detaches row history.
type Dimension struct {
	ID                uuid.UUID             `json:"id"`
	FamilyID          uuid.UUID             `json:"family_id"`
	OrganizationID    uuid.UUID             `json:"organization_id"`
	Name              string                `json:"name"`
	Description       string                `json:"description"`
	BusinessKeyField  string                `json:"business_key_field"`
	Attributes        []AttributeDefinition `json:"attributes"`
	Version           string                `json:"version"`
	PreviousVersionID *uuid.UUID            `json:"previous_version_id,omitempty"`
	Status            DimensionStatus       `json:"status"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// NewDimension creates a new dimension definition with immutable pattern.
func NewDimension(organizationID uuid.UUID, name, description, businessKeyField string, attributes []AttributeDefinition) Dimension {
	now := time.Now()
	id := uuid.New()
	return Dimension{
		ID:               id,
		FamilyID:         id,
		OrganizationID:   organizationID,
		Name:             name,
		Description:      description,
		BusinessKeyField: businessKeyField,
		Attributes:       copyAttributeDefinitions(attributes),
		Version:          "1.0.0",
		Status:           DimensionStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// WithAttribute returns a new dimension with an added/updated attribute definition.
func (d Dimension) WithAttribute(attribute AttributeDefinition) Dimension {
	next := d
	next.Attributes = copyAttributeDefinitions(d.Attributes)

	found := false
	for i, existing := range next.Attributes {
		if existing.Name == attribute.Name {
			next.Attributes[i] = attribute
			found = true
			break
		}
	}
	if !found {
		next.Attributes = append(next.Attributes, attribute)
	}

	next.UpdatedAt = time.Now()
	return next
}

// WithoutAttribute returns a new dimension without the named attribute.
func (d Dimension) WithoutAttribute(name string) Dimension {
	next := d
	next.Attributes = make([]AttributeDefinition, 0, len(d.Attributes))
	for _, attribute := range d.Attributes {
		if attribute.Name != name {
			next.Attributes = append(next.Attributes, attribute)
		}
	}
	next.UpdatedAt = time.Now()
	return next
}

// WithDescription returns a new dimension with updated description.
func (d Dimension) WithDescription(description string) Dimension {
	next := d
	next.Attributes = copyAttributeDefinitions(d.Attributes)
	next.Description = description
	next.UpdatedAt = time.Now()
	return next
}

// WithStatus returns a new dimension with updated lifecycle status.
func (d Dimension) WithStatus(status DimensionStatus) Dimension {
	next := d
	next.Attributes = copyAttributeDefinitions(d.Attributes)
	next.Status = status
	next.UpdatedAt = time.Now()
	return next
}

// AttributeNamed returns the definition for an attribute, if declared.
func (d Dimension) AttributeNamed(name string) (AttributeDefinition, bool) {
	for _, attribute := range d.Attributes {
		if attribute.Name == name {
			return attribute, true
		}
	}
	return AttributeDefinition{}, false
}

// PolicyMap returns the attribute -> policy lookup for this dimension.
func (d Dimension) PolicyMap() PolicyMap {
	return PolicyMapFromDefinitions(d.Attributes)
}

// GetAttributesAsJSONB returns the attribute definitions for database storage.
func (d Dimension) GetAttributesAsJSONB() (json.RawMessage, error) {
	return json.Marshal(d.Attributes)
}

// FromJSONBAttributeDefinitions decodes stored attribute definitions.
func FromJSONBAttributeDefinitions(attributesJSON json.RawMessage) ([]AttributeDefinition, error) {
	var attributes []AttributeDefinition
	err := json.Unmarshal(attributesJSON, &attributes)
	return attributes, err
}

func copyAttributeDefinitions(attributes []AttributeDefinition) []AttributeDefinition {
	if attributes == nil {
		return nil
	}
	cloned := make([]AttributeDefinition, len(attributes))
	copy(cloned, attributes)
	return cloned
}

// ComputeNextVersion calculates the next semantic version number based on compatibility.
func ComputeNextVersion(current string, level CompatibilityLevel) (string, error) {
	if current == "" {
		current = "1.0.0"
	}

	parts := strings.Split(current, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid version format: %s", current)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("invalid major version: %w", err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid minor version: %w", err)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("invalid patch version: %w", err)
	}

	switch level {
	case CompatibilityMajor:
		major++
		minor = 0
		patch = 0
	case CompatibilityMinor:
		minor++
		patch = 0
	default:
		patch++
	}

	return fmt.Sprintf("%d.%d.%d", major, minor, patch), nil
}

// DetermineCompatibility compares attribute definitions to assess change impact.
// Changing an attribute's policy or type rewrites the meaning of stored rows,
// so both count as major changes, as does removing an attribute.
func DetermineCompatibility(oldAttributes, newAttributes []AttributeDefinition) CompatibilityLevel {
	oldMap := make(map[string]AttributeDefinition, len(oldAttributes))
	for _, a := range oldAttributes {
		oldMap[strings.ToLower(a.Name)] = a
	}

	newMap := make(map[string]AttributeDefinition, len(newAttributes))
	for _, a := range newAttributes {
		newMap[strings.ToLower(a.Name)] = a
	}

	majorChange := false
	minorChange := false

	for key, oldAttr := range oldMap {
		newAttr, ok := newMap[key]
		if !ok {
			majorChange = true
			continue
		}

		if oldAttr.Type != newAttr.Type {
			majorChange = true
			continue
		}
		if oldAttr.Policy != newAttr.Policy {
			majorChange = true
			continue
		}
		if oldAttr.Required && !newAttr.Required {
			minorChange = true
		}
		if !oldAttr.Required && newAttr.Required {
			majorChange = true
		}
	}

	for key, newAttr := range newMap {
		if _, ok := oldMap[key]; ok {
			continue
		}
		if newAttr.Required {
			majorChange = true
		} else {
			minorChange = true
		}
	}

	if majorChange {
		return CompatibilityMajor
	}
	if minorChange {
		return CompatibilityMinor
	}
	return CompatibilityPatch
}

// NewVersionFromExisting clones the dimension definition as a new version entry.
func NewVersionFromExisting(previous Dimension, updated Dimension, compatibility CompatibilityLevel, status DimensionStatus) (Dimension, error) {
	nextVersion, err := ComputeNextVersion(previous.Version, compatibility)
	if err != nil {
		return Dimension{}, err
	}

	now := time.Now()
	prevID := previous.ID
	familyID := previous.FamilyID
	if familyID == uuid.Nil {
		familyID = previous.ID
	}

	return Dimension{
		ID:                uuid.New(),
		FamilyID:          familyID,
		OrganizationID:    previous.OrganizationID,
		Name:              updated.Name,
		Description:       updated.Description,
		BusinessKeyField:  previous.BusinessKeyField,
		Attributes:        copyAttributeDefinitions(updated.Attributes),
		Version:           nextVersion,
		PreviousVersionID: &prevID,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
