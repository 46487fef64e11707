package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoadLogEntry captures row level issues that occur while applying a change feed.
type LoadLogEntry struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	DimensionName  string    `json:"dimension_name"`
	FileName       string    `json:"file_name"`
	RowNumber      *int      `json:"row_number,omitempty"`
	BusinessKey    string    `json:"business_key,omitempty"`
	ErrorMessage   string    `json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
}
