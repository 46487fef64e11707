package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ApplyChange computes the ordered row mutations required to apply the
// incoming attribute values to the current row for businessKey under the
// configured change policies. It is a pure transformation over its inputs
// and the supplied snapshot: it performs no I/O, so committing the result
// is the storage layer's responsibility.
//
// current is nil when the business key has never been observed; that case
// yields an insert-only change set establishing version 1. If any changed
// attribute carries the VERSION policy the set closes the current row and
// inserts exactly one new row carrying all simultaneous changes, with
// OVERWRITE and SHADOW_COLUMN updates folded in. Changes limited to
// OVERWRITE/SHADOW_COLUMN attributes collapse into a single in-place
// update. When nothing differs the returned set is empty.
func ApplyChange(current *DimensionRecord, businessKey string, incoming map[string]any, policies PolicyMap, asOf time.Time) (ChangeSet, error) {
	changeSet := ChangeSet{BusinessKey: businessKey}

	if businessKey == "" {
		return changeSet, errors.New("business key is required")
	}
	if asOf.IsZero() {
		return changeSet, errors.New("as-of date is required")
	}
	if current != nil && current.BusinessKey != businessKey {
		return changeSet, fmt.Errorf("snapshot belongs to business key %q, not %q", current.BusinessKey, businessKey)
	}

	// Fail fast on unconfigured attributes before computing any mutation.
	names := make([]string, 0, len(incoming))
	for name := range incoming {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if IsShadowKey(name) {
			return changeSet, ConfigurationError{Attribute: name}
		}
		if _, ok := policies.PolicyFor(name); !ok {
			return changeSet, ConfigurationError{Attribute: name}
		}
	}

	if current == nil {
		if len(incoming) == 0 {
			return changeSet, nil
		}
		record := newFirstVersion(businessKey, incoming, policies, asOf)
		changeSet.Mutations = append(changeSet.Mutations, Mutation{
			Kind:   MutationInsertVersion,
			Record: &record,
		})
		return changeSet, nil
	}

	changeSet.SnapshotVersion = current.Version

	versionChanges := make(map[string]any)
	overwriteChanges := make(map[string]any)
	shadowChanges := make(map[string]any)

	for _, name := range names {
		incomingValue := incoming[name]
		if valuesEqual(current.Attributes[name], incomingValue) {
			continue
		}

		policy, _ := policies.PolicyFor(name)
		switch policy {
		case PolicyVersion:
			versionChanges[name] = incomingValue
		case PolicyOverwrite:
			overwriteChanges[name] = incomingValue
		case PolicyShadowColumn:
			shadowChanges[name] = incomingValue
		}
	}

	if len(versionChanges) == 0 && len(overwriteChanges) == 0 && len(shadowChanges) == 0 {
		return changeSet, nil
	}

	if len(versionChanges) > 0 {
		if !asOf.After(current.EffectiveDate) {
			return ChangeSet{BusinessKey: businessKey, SnapshotVersion: current.Version}, OutOfOrderUpdateError{
				BusinessKey:      businessKey,
				AsOf:             asOf,
				CurrentEffective: current.EffectiveDate,
			}
		}

		attributes := cloneAttributes(current.Attributes)
		for name, value := range versionChanges {
			attributes[name] = value
		}
		for name, value := range overwriteChanges {
			attributes[name] = value
		}
		for name, value := range shadowChanges {
			attributes[ShadowKey(name)] = current.Attributes[name]
			attributes[name] = value
		}

		now := time.Now()
		endDate := asOf
		record := DimensionRecord{
			SurrogateID:    uuid.New(),
			DimensionID:    current.DimensionID,
			OrganizationID: current.OrganizationID,
			BusinessKey:    businessKey,
			Attributes:     attributes,
			EffectiveDate:  asOf,
			EndDate:        nil,
			IsCurrent:      true,
			Version:        current.Version + 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		changeSet.Mutations = append(changeSet.Mutations,
			Mutation{Kind: MutationCloseVersion, SurrogateID: current.SurrogateID, EndDate: &endDate},
			Mutation{Kind: MutationInsertVersion, Record: &record},
		)
		return changeSet, nil
	}

	set := make(map[string]any, len(overwriteChanges)+2*len(shadowChanges))
	for name, value := range overwriteChanges {
		set[name] = value
	}
	for name, value := range shadowChanges {
		set[ShadowKey(name)] = current.Attributes[name]
		set[name] = value
	}

	changeSet.Mutations = append(changeSet.Mutations, Mutation{
		Kind:        MutationUpdateInPlace,
		SurrogateID: current.SurrogateID,
		Set:         set,
	})
	return changeSet, nil
}

// newFirstVersion builds the initial row for a never-seen business key.
// SHADOW_COLUMN attributes start with a nil shadow value.
func newFirstVersion(businessKey string, incoming map[string]any, policies PolicyMap, asOf time.Time) DimensionRecord {
	attributes := cloneAttributes(incoming)
	for name := range incoming {
		if policy, ok := policies.PolicyFor(name); ok && policy == PolicyShadowColumn {
			attributes[ShadowKey(name)] = nil
		}
	}
	return NewDimensionRecord(uuid.Nil, uuid.Nil, businessKey, attributes, asOf)
}

// valuesEqual compares an attribute value from the stored snapshot against
// an incoming one. Stored values round-trip through JSON, so numeric types
// are normalized before comparison and timestamps compare by instant.
func valuesEqual(stored, incoming any) bool {
	if stored == nil || incoming == nil {
		return stored == nil && incoming == nil
	}

	if storedTime, ok := timeValue(stored); ok {
		if incomingTime, ok := timeValue(incoming); ok {
			return storedTime.Equal(incomingTime)
		}
		return false
	}

	if storedNum, ok := numericValue(stored); ok {
		if incomingNum, ok := numericValue(incoming); ok {
			return storedNum == incomingNum
		}
		return false
	}

	return reflect.DeepEqual(stored, incoming)
}

func timeValue(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		if ts, err := time.Parse(time.RFC3339, typed); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func numericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		f := float64(typed)
		if math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case float64:
		if math.IsNaN(typed) {
			return 0, false
		}
		return typed, true
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
