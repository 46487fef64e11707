package domain

// RecordFilter represents filtering options for listing dimension rows.
type RecordFilter struct {
	// CurrentOnly restricts the listing to the open row per business key.
	CurrentOnly bool
	// BusinessKeyPrefix matches business keys starting with the prefix.
	BusinessKeyPrefix string
	// AttributeEquals filters rows whose attribute map contains the pairs.
	AttributeEquals map[string]any
}

// SortDirection represents ordering direction for sortable fields.
type SortDirection string

const (
	SortDirectionAsc  SortDirection = "asc"
	SortDirectionDesc SortDirection = "desc"
)

// RecordSortField enumerates fields that rows can be ordered by.
type RecordSortField string

const (
	RecordSortFieldBusinessKey   RecordSortField = "business_key"
	RecordSortFieldEffectiveDate RecordSortField = "effective_date"
	RecordSortFieldUpdatedAt     RecordSortField = "updated_at"
	RecordSortFieldVersion       RecordSortField = "version"
)

// RecordSort captures ordering preferences for row listings.
type RecordSort struct {
	Field     RecordSortField
	Direction SortDirection
}
