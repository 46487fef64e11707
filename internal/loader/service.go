package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/repository"
	"github.com/rpattn/dimkeeper/pkg/validator"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded feed file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006/01/02",
		"01/02/2006",
		"02/01/2006",
	}
)

// defaultPolicy is assigned to attributes first observed in a feed when no
// override says otherwise. Versioning is the safe default: it loses nothing.
const defaultPolicy = domain.PolicyVersion

// Service applies tabular change feeds to dimension tables.
type Service struct {
	orgRepo       repository.OrganizationRepository
	dimensionRepo repository.DimensionRepository
	recordRepo    repository.DimensionRecordRepository
	logRepo       repository.LoadLogRepository
	validator     *validator.AttributeValidator
}

// NewService creates a new feed loading service.
func NewService(
	orgRepo repository.OrganizationRepository,
	dimensionRepo repository.DimensionRepository,
	recordRepo repository.DimensionRecordRepository,
	logRepo repository.LoadLogRepository,
) *Service {
	return &Service{
		orgRepo:       orgRepo,
		dimensionRepo: dimensionRepo,
		recordRepo:    recordRepo,
		logRepo:       logRepo,
		validator:     validator.NewAttributeValidator(),
	}
}

// Request describes a change feed to apply.
type Request struct {
	OrganizationID   uuid.UUID
	DimensionName    string
	Description      string
	BusinessKeyField string
	FileName         string
	AsOfDate         *time.Time
	HeaderRowIndex   *int
	PolicyOverrides  map[string]domain.ChangePolicy
	TypeOverrides    map[string]domain.ValueType
	Data             io.Reader
}

// DefinitionChange highlights dimension definition adjustments or conflicts.
type DefinitionChange struct {
	Attribute    string `json:"attribute,omitempty"`
	ExistingType string `json:"existingType,omitempty"`
	DetectedType string `json:"detectedType,omitempty"`
	Message      string `json:"message"`
}

// Summary returns feed level metrics.
type Summary struct {
	TotalRows             int                `json:"totalRows"`
	NewKeys               int                `json:"newKeys"`
	NewVersions           int                `json:"newVersions"`
	UpdatedInPlace        int                `json:"updatedInPlace"`
	UnchangedRows         int                `json:"unchangedRows"`
	RejectedRows          int                `json:"rejectedRows"`
	NewAttributesDetected []string           `json:"newAttributesDetected"`
	DefinitionChanges     []DefinitionChange `json:"definitionChanges"`
	DimensionCreated      bool               `json:"dimensionCreated"`
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	headerRowIndex int
}

// Load reads the uploaded feed, reconciles the dimension definition, and
// applies each row as one change event against the dimension table.
func (s *Service) Load(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{
		NewAttributesDetected: []string{},
		DefinitionChanges:     []DefinitionChange{},
	}

	if req.OrganizationID == uuid.Nil {
		return summary, errors.New("organization id is required")
	}
	if strings.TrimSpace(req.DimensionName) == "" {
		return summary, errors.New("dimension name is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	if _, err := s.orgRepo.GetByID(ctx, req.OrganizationID); err != nil {
		return summary, fmt.Errorf("failed to resolve organization: %w", err)
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	keyField := strings.TrimSpace(req.BusinessKeyField)
	if keyField == "" {
		keyField = table.headers[0]
	}
	keyColumn := -1
	for idx, header := range table.headers {
		if header == keyField {
			keyColumn = idx
			break
		}
	}
	if keyColumn < 0 {
		return summary, fmt.Errorf("business key column %q not found in feed", keyField)
	}

	detected := inferAttributeDefinitions(table, keyColumn, req.PolicyOverrides, req.TypeOverrides)
	if len(detected) == 0 {
		return summary, errors.New("no attributes inferred from feed")
	}

	summary.TotalRows = len(table.rows)

	dimension, created, err := s.reconcileDimension(ctx, req, keyField, detected, &summary)
	if err != nil {
		return summary, err
	}
	summary.DimensionCreated = created

	if summary.TotalRows == 0 {
		return summary, nil
	}

	asOf := time.Now()
	if req.AsOfDate != nil {
		asOf = *req.AsOfDate
	}

	defByName := make(map[string]domain.AttributeDefinition, len(dimension.Attributes))
	for _, def := range dimension.Attributes {
		defByName[def.Name] = def
	}
	policies := dimension.PolicyMap()

	for rowIdx, row := range table.rows {
		rowNumber := table.headerRowIndex + rowIdx + 2 // include header row (1-based)

		businessKey := ""
		if keyColumn < len(row) {
			businessKey = strings.TrimSpace(row[keyColumn])
		}
		if businessKey == "" {
			s.rowError(ctx, req, rowNumber, "", errors.New("business key value is empty"))
			summary.RejectedRows++
			continue
		}

		incoming, err := buildIncoming(table.headers, row, keyColumn, defByName)
		if err != nil {
			s.rowError(ctx, req, rowNumber, businessKey, err)
			summary.RejectedRows++
			continue
		}

		validation := s.validator.ValidateAttributes(incoming, dimension.Attributes)
		if !validation.IsValid {
			var messages []string
			for _, validationErr := range validation.Errors {
				messages = append(messages, fmt.Sprintf("%s: %s", validationErr.Field, validationErr.Message))
			}
			s.rowError(ctx, req, rowNumber, businessKey, errors.New(strings.Join(messages, "; ")))
			summary.RejectedRows++
			continue
		}

		changeSet, err := s.applyRow(ctx, dimension, businessKey, incoming, policies, asOf)
		if err != nil {
			s.rowError(ctx, req, rowNumber, businessKey, err)
			summary.RejectedRows++
			continue
		}

		switch {
		case changeSet.IsEmpty():
			summary.UnchangedRows++
		case changeSet.SnapshotVersion == 0:
			summary.NewKeys++
		case changeSet.InsertsNewVersion():
			summary.NewVersions++
		default:
			summary.UpdatedInPlace++
		}
	}

	return summary, nil
}

// applyRow computes and commits the change set for one feed row. A stale
// snapshot triggers exactly one re-read and recompute before giving up.
func (s *Service) applyRow(
	ctx context.Context,
	dimension domain.Dimension,
	businessKey string,
	incoming map[string]any,
	policies domain.PolicyMap,
	asOf time.Time,
) (domain.ChangeSet, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.currentRow(ctx, dimension.FamilyID, businessKey)
		if err != nil {
			return domain.ChangeSet{}, err
		}

		changeSet, err := domain.ApplyChange(current, businessKey, incoming, policies, asOf)
		if err != nil {
			return domain.ChangeSet{}, err
		}
		if changeSet.IsEmpty() {
			return changeSet, nil
		}

		err = s.recordRepo.Commit(ctx, dimension, changeSet)
		if err == nil {
			return changeSet, nil
		}

		var stale domain.StaleSnapshotError
		if errors.As(err, &stale) && attempt == 0 {
			continue
		}
		return domain.ChangeSet{}, err
	}
	return domain.ChangeSet{}, domain.StaleSnapshotError{BusinessKey: businessKey}
}

func (s *Service) currentRow(ctx context.Context, dimensionID uuid.UUID, businessKey string) (*domain.DimensionRecord, error) {
	record, err := s.recordRepo.GetCurrent(ctx, dimensionID, businessKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// reconcileDimension loads or creates the dimension definition and folds in
// attributes first observed in this feed as a new definition version.
func (s *Service) reconcileDimension(
	ctx context.Context,
	req Request,
	keyField string,
	detected []domain.AttributeDefinition,
	summary *Summary,
) (domain.Dimension, bool, error) {
	exists, err := s.dimensionRepo.Exists(ctx, req.OrganizationID, req.DimensionName)
	if err != nil {
		return domain.Dimension{}, false, fmt.Errorf("failed to check dimension existence: %w", err)
	}

	if !exists {
		dimension := domain.NewDimension(req.OrganizationID, req.DimensionName, req.Description, keyField, detected)
		created, err := s.dimensionRepo.Create(ctx, dimension)
		if err != nil {
			return domain.Dimension{}, false, fmt.Errorf("failed to create dimension: %w", err)
		}
		summary.DefinitionChanges = append(summary.DefinitionChanges, DefinitionChange{
			Message: fmt.Sprintf("dimension %s created", req.DimensionName),
		})
		return created, true, nil
	}

	dimension, err := s.dimensionRepo.GetByName(ctx, req.OrganizationID, req.DimensionName)
	if err != nil {
		return domain.Dimension{}, false, fmt.Errorf("failed to load dimension: %w", err)
	}

	if dimension.BusinessKeyField != keyField {
		return domain.Dimension{}, false, fmt.Errorf(
			"feed business key column %q does not match dimension key field %q",
			keyField, dimension.BusinessKeyField,
		)
	}

	base := dimension
	updated := false
	for _, attr := range detected {
		existing, found := dimension.AttributeNamed(attr.Name)
		if !found {
			// New attributes never arrive required; history rows predate them.
			attr.Required = false
			dimension = dimension.WithAttribute(attr)
			summary.NewAttributesDetected = append(summary.NewAttributesDetected, attr.Name)
			updated = true
			continue
		}

		if !valueTypesCompatible(existing.Type, attr.Type) {
			summary.DefinitionChanges = append(summary.DefinitionChanges, DefinitionChange{
				Attribute:    attr.Name,
				ExistingType: string(existing.Type),
				DetectedType: string(attr.Type),
				Message:      fmt.Sprintf("attribute %s type mismatch: existing=%s, detected=%s", attr.Name, existing.Type, attr.Type),
			})
		}
	}

	if !updated {
		return dimension, false, nil
	}

	compatibility := domain.DetermineCompatibility(base.Attributes, dimension.Attributes)
	nextVersion, err := domain.NewVersionFromExisting(base, dimension, compatibility, domain.DimensionStatusActive)
	if err != nil {
		return domain.Dimension{}, false, fmt.Errorf("failed to prepare dimension version: %w", err)
	}

	persisted, err := s.dimensionRepo.CreateVersion(ctx, nextVersion)
	if err != nil {
		return domain.Dimension{}, false, fmt.Errorf("failed to persist dimension version: %w", err)
	}

	summary.DefinitionChanges = append(summary.DefinitionChanges, DefinitionChange{
		Message: fmt.Sprintf("dimension %s updated to version %s (%s)", persisted.Name, persisted.Version, compatibility),
	})
	return persisted, false, nil
}

// buildIncoming coerces one feed row into an attribute map keyed by the
// declared definitions. Blank cells are treated as absent, not as nulls.
func buildIncoming(headers []string, row []string, keyColumn int, defByName map[string]domain.AttributeDefinition) (map[string]any, error) {
	incoming := make(map[string]any)
	for colIdx, header := range headers {
		if colIdx == keyColumn || colIdx >= len(row) {
			continue
		}

		raw := strings.TrimSpace(row[colIdx])
		if raw == "" {
			continue
		}

		def, ok := defByName[header]
		if !ok {
			return nil, fmt.Errorf("column %q is not a declared attribute", header)
		}

		value, err := coerceValue(def.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", header, err)
		}
		incoming[def.Name] = value
	}
	return incoming, nil
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}

	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	headerIndex := -1

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if len(cleanRow(records[*headerRowIndex])) == 0 {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		headerIndex = *headerRowIndex
		for idx := *headerRowIndex + 1; idx < len(records); idx++ {
			if len(cleanRow(records[idx])) == 0 {
				continue
			}
			dataRows = append(dataRows, records[idx])
		}
	} else {
		for idx, row := range records {
			if len(cleanRow(row)) == 0 {
				continue
			}
			if headerRow == nil {
				headerRow = row
				headerIndex = idx
				continue
			}
			dataRows = append(dataRows, row)
		}
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	rawHeaders := make([]string, len(headerRow))
	for i, value := range headerRow {
		rawHeaders[i] = strings.TrimSpace(value)
	}

	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	return tableData{
		headers:        headers,
		rawHeaders:     rawHeaders,
		rows:           dataRows,
		headerRowIndex: headerIndex,
	}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	for i := len(row); i < length; i++ {
		padded[i] = ""
	}
	return padded
}

func inferAttributeDefinitions(
	table tableData,
	keyColumn int,
	policyOverrides map[string]domain.ChangePolicy,
	typeOverrides map[string]domain.ValueType,
) []domain.AttributeDefinition {
	definitions := make([]domain.AttributeDefinition, 0, len(table.headers))
	for idx, header := range table.headers {
		if idx == keyColumn {
			continue
		}

		valueType, required := profileColumn(idx, table.rows)
		if override, ok := typeOverrides[header]; ok && override != "" {
			valueType = override
		}

		policy := defaultPolicy
		if override, ok := policyOverrides[header]; ok && override != "" {
			policy = override
		}

		definitions = append(definitions, domain.AttributeDefinition{
			Name:     header,
			Policy:   policy,
			Type:     valueType,
			Required: required,
		})
	}
	return definitions
}

func profileColumn(col int, rows [][]string) (domain.ValueType, bool) {
	isBool := true
	isInt := true
	isFloat := true
	isTimestamp := true
	allPresent := true
	hasValue := false

	for _, row := range rows {
		if col >= len(row) {
			allPresent = false
			continue
		}

		value := strings.TrimSpace(row[col])
		if value == "" {
			allPresent = false
			continue
		}

		hasValue = true

		if !looksLikeBool(value) {
			isBool = false
		}
		if !looksLikeInt(value) {
			isInt = false
		}
		if !looksLikeFloat(value) {
			isFloat = false
		}
		if !looksLikeTimestamp(value) {
			isTimestamp = false
		}
	}

	switch {
	case isBool && hasValue:
		return domain.ValueTypeBoolean, allPresent && hasValue
	case isInt && hasValue:
		return domain.ValueTypeInteger, allPresent && hasValue
	case isFloat && hasValue:
		return domain.ValueTypeFloat, allPresent && hasValue
	case isTimestamp && hasValue:
		return domain.ValueTypeTimestamp, allPresent && hasValue
	default:
		return domain.ValueTypeString, allPresent && hasValue
	}
}

func looksLikeBool(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "true" || value == "false" {
		return true
	}
	if value == "yes" || value == "no" {
		return true
	}
	_, err := strconv.ParseBool(value)
	return err == nil
}

func looksLikeInt(value string) bool {
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return true
	}
	// Allow float representations that can be losslessly converted to int.
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return math.Mod(f, 1) == 0
	}
	return false
}

func looksLikeFloat(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

func looksLikeTimestamp(value string) bool {
	_, err := parseTimestamp(value)
	return err == nil
}

func valueTypesCompatible(existing, detected domain.ValueType) bool {
	if existing == detected {
		return true
	}
	// Allow integer detections for float attributes.
	if existing == domain.ValueTypeFloat && detected == domain.ValueTypeInteger {
		return true
	}
	// A column of digits stays a string attribute if declared so.
	if existing == domain.ValueTypeString {
		return true
	}
	return false
}

func coerceValue(valueType domain.ValueType, raw string) (any, error) {
	switch valueType {
	case domain.ValueTypeString:
		return raw, nil
	case domain.ValueTypeInteger:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.ValueTypeFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.ValueTypeBoolean:
		value := strings.ToLower(strings.TrimSpace(raw))
		switch value {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.ValueTypeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	default:
		// Fallback for unknown types; best effort interpretation.
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// ListLogs exposes recorded feed row failures.
func (s *Service) ListLogs(ctx context.Context, organizationID uuid.UUID, dimensionName, fileName string, limit, offset int) ([]domain.LoadLogEntry, error) {
	entries, err := s.logRepo.List(ctx, organizationID, dimensionName, fileName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list load logs: %w", err)
	}
	if entries == nil {
		entries = []domain.LoadLogEntry{}
	}
	return entries, nil
}

func (s *Service) rowError(ctx context.Context, req Request, rowNumber int, businessKey string, err error) {
	if s.logRepo == nil || err == nil {
		return
	}
	entry := domain.LoadLogEntry{
		OrganizationID: req.OrganizationID,
		DimensionName:  req.DimensionName,
		FileName:       req.FileName,
		RowNumber:      &rowNumber,
		BusinessKey:    businessKey,
		ErrorMessage:   err.Error(),
	}
	_ = s.logRepo.Record(ctx, entry)
}
