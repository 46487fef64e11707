package domain

import (
	"fmt"
	"time"
)

// ConfigurationError signals an incoming attribute with no assigned change
// policy. The change is rejected before any mutation is computed.
type ConfigurationError struct {
	Attribute string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("attribute %q has no change policy assigned", e.Attribute)
}

// OutOfOrderUpdateError signals a VERSION change whose as-of date is not
// strictly after the current row's effective date.
type OutOfOrderUpdateError struct {
	BusinessKey      string
	AsOf             time.Time
	CurrentEffective time.Time
}

func (e OutOfOrderUpdateError) Error() string {
	return fmt.Sprintf(
		"out-of-order update for business key %q: as-of date %s is not after current effective date %s",
		e.BusinessKey,
		e.AsOf.Format(time.RFC3339),
		e.CurrentEffective.Format(time.RFC3339),
	)
}

// StaleSnapshotError is surfaced by the storage layer when the stored row
// has advanced past the snapshot a change set was computed from. The
// correct recovery is to re-read the current row and recompute.
type StaleSnapshotError struct {
	BusinessKey     string
	SnapshotVersion int64
}

func (e StaleSnapshotError) Error() string {
	return fmt.Sprintf(
		"stale snapshot for business key %q: stored row has moved past version %d",
		e.BusinessKey,
		e.SnapshotVersion,
	)
}
