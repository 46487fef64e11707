package domain

import (
	"time"

	"github.com/google/uuid"
)

// MutationKind identifies the row operation a mutation performs.
type MutationKind string

const (
	// MutationUpdateInPlace overwrites columns on the current row.
	MutationUpdateInPlace MutationKind = "UPDATE_IN_PLACE"
	// MutationCloseVersion ends the validity interval of the current row.
	MutationCloseVersion MutationKind = "CLOSE_VERSION"
	// MutationInsertVersion inserts a new current row for the business key.
	MutationInsertVersion MutationKind = "INSERT_VERSION"
)

// Mutation is one ordered row operation within a change set.
// UPDATE_IN_PLACE carries SurrogateID and the attribute values to set.
// CLOSE_VERSION carries SurrogateID and the exclusive EndDate.
// INSERT_VERSION carries the full new record.
type Mutation struct {
	Kind        MutationKind
	SurrogateID uuid.UUID
	Set         map[string]any
	EndDate     *time.Time
	Record      *DimensionRecord
}

// ChangeSet is the ordered list of row mutations required to apply one
// change event to a business key. SnapshotVersion records the row version
// the set was computed from (zero when no row existed); the committing
// storage layer uses it to detect stale snapshots.
type ChangeSet struct {
	BusinessKey     string
	SnapshotVersion int64
	Mutations       []Mutation
}

// IsEmpty reports whether the change set touches any row.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Mutations) == 0
}

// InsertsNewVersion reports whether the set inserts a new row version.
func (cs ChangeSet) InsertsNewVersion() bool {
	for _, mutation := range cs.Mutations {
		if mutation.Kind == MutationInsertVersion {
			return true
		}
	}
	return false
}
