package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecordSnapshot represents the minimal data required to compute diffs
// between two versions of a dimension row.
type RecordSnapshot struct {
	BusinessKey   string
	Version       int64
	EffectiveDate time.Time
	EndDate       *time.Time
	IsCurrent     bool
	Attributes    map[string]any
}

// NewRecordSnapshot creates a snapshot from a dimension record version.
func NewRecordSnapshot(record DimensionRecord) RecordSnapshot {
	return RecordSnapshot{
		BusinessKey:   record.BusinessKey,
		Version:       record.Version,
		EffectiveDate: record.EffectiveDate,
		EndDate:       record.EndDate,
		IsCurrent:     record.IsCurrent,
		Attributes:    cloneAttributes(record.Attributes),
	}
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s RecordSnapshot) CanonicalText() ([]string, error) {
	endDate := "(open)"
	if s.EndDate != nil {
		endDate = s.EndDate.UTC().Format(time.RFC3339)
	}

	lines := []string{
		fmt.Sprintf("BusinessKey: %s", s.BusinessKey),
		fmt.Sprintf("Version: %d", s.Version),
		fmt.Sprintf("EffectiveDate: %s", s.EffectiveDate.UTC().Format(time.RFC3339)),
		fmt.Sprintf("EndDate: %s", endDate),
		fmt.Sprintf("IsCurrent: %t", s.IsCurrent),
		"Attributes:",
	}

	flattened := map[string]string{}
	if len(s.Attributes) > 0 {
		if err := flattenAttributes("", s.Attributes, flattened); err != nil {
			return nil, err
		}
	}

	if len(flattened) == 0 {
		lines = append(lines, "  (empty)")
		return lines, nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}

	return lines, nil
}

// DiffRecordSnapshots produces a unified diff between two snapshots using the provided labels.
func DiffRecordSnapshots(baseLabel string, base *RecordSnapshot, targetLabel string, target *RecordSnapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	return buildUnifiedDiff(baseLabel, targetLabel, baseString, targetString), nil
}

func canonicalString(snapshot *RecordSnapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func flattenAttributes(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if err := flattenAttributes(nextPrefix, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenAttributes(nextPrefix, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	case time.Time:
		if prefix == "" {
			return fmt.Errorf("attribute key missing for value %v", typed)
		}
		acc[prefix] = typed.UTC().Format(time.RFC3339)
	default:
		if prefix == "" {
			return fmt.Errorf("attribute key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString("@@ -0,0 +0,0 @@\n")
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines walks a longest-common-subsequence table to emit keep/remove/add
// operations line by line.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
