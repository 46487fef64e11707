package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func snapshotFixture(version int64, city string, endDate *time.Time) RecordSnapshot {
	record := DimensionRecord{
		SurrogateID:   uuid.New(),
		BusinessKey:   "CUST-001",
		Version:       version,
		EffectiveDate: date("2023-01-01"),
		EndDate:       endDate,
		IsCurrent:     endDate == nil,
		Attributes: map[string]any{
			"City": city,
			"Name": "Alice",
		},
	}
	return NewRecordSnapshot(record)
}

func TestCanonicalTextSortsAttributes(t *testing.T) {
	snapshot := snapshotFixture(1, "Austin", nil)

	lines, err := snapshot.CanonicalText()
	if err != nil {
		t.Fatalf("canonical text returned error: %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "EndDate: (open)") {
		t.Fatalf("expected open end date marker, got:\n%s", joined)
	}

	cityIdx := strings.Index(joined, `City: "Austin"`)
	nameIdx := strings.Index(joined, `Name: "Alice"`)
	if cityIdx < 0 || nameIdx < 0 || cityIdx > nameIdx {
		t.Fatalf("expected sorted attribute lines, got:\n%s", joined)
	}
}

func TestDiffRecordSnapshotsMarksChangedLines(t *testing.T) {
	closed := date("2023-07-01")
	base := snapshotFixture(1, "Austin", &closed)
	target := snapshotFixture(2, "Dallas", nil)

	diff, err := DiffRecordSnapshots("v1", &base, "v2", &target)
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}

	if !strings.Contains(diff, "--- v1") || !strings.Contains(diff, "+++ v2") {
		t.Fatalf("expected labeled headers, got:\n%s", diff)
	}
	if !strings.Contains(diff, `-  City: "Austin"`) {
		t.Fatalf("expected removed city line, got:\n%s", diff)
	}
	if !strings.Contains(diff, `+  City: "Dallas"`) {
		t.Fatalf("expected added city line, got:\n%s", diff)
	}
	if !strings.Contains(diff, `   Name: "Alice"`) {
		t.Fatalf("expected unchanged name line kept, got:\n%s", diff)
	}
}

func TestDiffRecordSnapshotsIdenticalHasNoChanges(t *testing.T) {
	base := snapshotFixture(1, "Austin", nil)
	target := snapshotFixture(1, "Austin", nil)

	diff, err := DiffRecordSnapshots("v1", &base, "v1", &target)
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}

	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			t.Fatalf("unexpected removal in identical diff:\n%s", diff)
		}
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			t.Fatalf("unexpected addition in identical diff:\n%s", diff)
		}
	}
}

func TestDiffRecordSnapshotsNilBase(t *testing.T) {
	target := snapshotFixture(1, "Austin", nil)

	diff, err := DiffRecordSnapshots("none", nil, "v1", &target)
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}
	if !strings.Contains(diff, "+BusinessKey: CUST-001") {
		t.Fatalf("expected all lines added against empty base, got:\n%s", diff)
	}
}

func TestCanonicalTextFlattensNestedValues(t *testing.T) {
	snapshot := RecordSnapshot{
		BusinessKey:   "CUST-001",
		Version:       1,
		EffectiveDate: date("2023-01-01"),
		Attributes: map[string]any{
			"address": map[string]any{"city": "Austin", "zip": "78701"},
			"tags":    []any{"vip", "beta"},
		},
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		t.Fatalf("canonical text returned error: %v", err)
	}

	joined := strings.Join(lines, "\n")
	for _, want := range []string{"address.city:", "address.zip:", "tags[0]:", "tags[1]:"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in canonical text:\n%s", want, joined)
		}
	}
}
