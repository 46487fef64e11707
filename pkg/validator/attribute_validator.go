package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"
)

// AttributeValidator checks incoming attribute maps against the declared
// attribute definitions of a dimension before any change is computed.
type AttributeValidator struct{}

// NewAttributeValidator creates a new attribute validator.
func NewAttributeValidator() *AttributeValidator {
	return &AttributeValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Errors  []ValidationError `json:"errors"`
}

// ValidateAttributes validates an incoming attribute map against attribute definitions.
func (v *AttributeValidator) ValidateAttributes(attributes map[string]any, definitions []domain.AttributeDefinition) ValidationResult {
	result := ValidationResult{
		IsValid: true,
		Errors:  []ValidationError{},
	}

	defByName := make(map[string]domain.AttributeDefinition, len(definitions))
	for _, def := range definitions {
		defByName[def.Name] = def
	}

	for name := range attributes {
		if domain.IsShadowKey(name) {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("attribute name %q uses the reserved shadow suffix", name),
			})
		}
	}

	for _, def := range definitions {
		value, exists := attributes[def.Name]

		if def.Required && (!exists || value == nil) {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   def.Name,
				Message: fmt.Sprintf("required attribute '%s' is missing", def.Name),
			})
			continue
		}

		if !exists || value == nil {
			continue
		}

		if err := validateValueType(value, def.Type); err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   def.Name,
				Message: err.Error(),
				Value:   value,
			})
		}
	}

	return result
}

func validateValueType(value any, valueType domain.ValueType) error {
	switch valueType {
	case domain.ValueTypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case domain.ValueTypeInteger:
		if !isIntegerValue(value) {
			return fmt.Errorf("expected integer, got %v", value)
		}
	case domain.ValueTypeFloat:
		if !isFloatValue(value) {
			return fmt.Errorf("expected float, got %v", value)
		}
	case domain.ValueTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case domain.ValueTypeTimestamp:
		if !isTimestampValue(value) {
			return fmt.Errorf("expected timestamp, got %v", value)
		}
	default:
		return fmt.Errorf("unknown value type %q", valueType)
	}
	return nil
}

func isIntegerValue(value any) bool {
	switch typed := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return math.Mod(typed, 1) == 0
	case float32:
		return math.Mod(float64(typed), 1) == 0
	case string:
		_, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return err == nil
	}
	return false
}

func isFloatValue(value any) bool {
	switch typed := value.(type) {
	case int, int32, int64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return err == nil
	}
	return false
}

func isTimestampValue(value any) bool {
	switch typed := value.(type) {
	case time.Time:
		return true
	case string:
		_, err := time.Parse(time.RFC3339, strings.TrimSpace(typed))
		return err == nil
	}
	return false
}
