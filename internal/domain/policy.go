package domain

import (
	"fmt"
	"strings"
)

// ChangePolicy determines how a changed attribute value is applied to the
// dimension row for a business key.
type ChangePolicy string

const (
	// PolicyOverwrite updates the column in place and keeps no history.
	PolicyOverwrite ChangePolicy = "OVERWRITE"
	// PolicyVersion closes the current row and inserts a new versioned row.
	PolicyVersion ChangePolicy = "VERSION"
	// PolicyShadowColumn keeps the immediately superseded value in a shadow key.
	PolicyShadowColumn ChangePolicy = "SHADOW_COLUMN"
)

// ParseChangePolicy normalizes a raw policy string.
func ParseChangePolicy(raw string) (ChangePolicy, error) {
	switch ChangePolicy(strings.ToUpper(strings.TrimSpace(raw))) {
	case PolicyOverwrite:
		return PolicyOverwrite, nil
	case PolicyVersion:
		return PolicyVersion, nil
	case PolicyShadowColumn:
		return PolicyShadowColumn, nil
	default:
		return "", fmt.Errorf("unknown change policy: %s", raw)
	}
}

// PolicyMap resolves tracked attribute names to their change policy.
type PolicyMap map[string]ChangePolicy

// PolicyMapFromDefinitions flattens attribute definitions into a lookup map.
func PolicyMapFromDefinitions(defs []AttributeDefinition) PolicyMap {
	policies := make(PolicyMap, len(defs))
	for _, def := range defs {
		policies[def.Name] = def.Policy
	}
	return policies
}

// PolicyFor returns the policy assigned to an attribute, if any.
func (m PolicyMap) PolicyFor(name string) (ChangePolicy, bool) {
	policy, ok := m[name]
	return policy, ok
}
