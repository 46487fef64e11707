package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/dimkeeper/internal/domain"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Format selects the output encoding of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a user supplied format string onto a Format.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// Scope selects which rows of the dimension table are exported.
type Scope string

const (
	// ScopeCurrent exports only the rows marked current, one per business key.
	ScopeCurrent Scope = "current"
	// ScopeHistory exports every stored version of every business key.
	ScopeHistory Scope = "history"
)

func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeCurrent, "":
		return ScopeCurrent, nil
	case ScopeHistory:
		return ScopeHistory, nil
	default:
		return "", fmt.Errorf("unsupported export scope %q", raw)
	}
}

// Service renders dimension tables as downloadable files.
type Service struct {
	dimensionRepo repository.DimensionRepository
	recordRepo    repository.DimensionRecordRepository
}

func NewService(dimensionRepo repository.DimensionRepository, recordRepo repository.DimensionRecordRepository) *Service {
	return &Service{
		dimensionRepo: dimensionRepo,
		recordRepo:    recordRepo,
	}
}

// Request describes one export.
type Request struct {
	OrganizationID uuid.UUID
	DimensionName  string
	Format         Format
	Scope          Scope
}

const pageSize = 1000

// metadata columns precede attribute columns in every export.
var metadataColumns = []string{"business_key", "version", "effective_date", "end_date", "is_current"}

// Export writes the selected rows of a dimension table to out. Columns are
// the bookkeeping fields followed by the dimension's attribute names in
// sorted order, shadow columns included.
func (s *Service) Export(ctx context.Context, req Request, out io.Writer) error {
	dimension, err := s.dimensionRepo.GetByName(ctx, req.OrganizationID, req.DimensionName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("dimension %s: %w", req.DimensionName, repository.ErrNotFound)
		}
		return fmt.Errorf("failed to load dimension: %w", err)
	}

	attributeNames := attributeColumns(dimension)

	rows := func(yield func([]string) error) error {
		return s.streamRows(ctx, dimension.FamilyID, req.Scope, attributeNames, yield)
	}

	headers := append(append([]string{}, metadataColumns...), attributeNames...)

	switch req.Format {
	case FormatXLSX:
		return writeXLSX(headers, rows, out)
	default:
		return writeCSV(headers, rows, out)
	}
}

// FileName suggests a download name for the export.
func (req Request) FileName() string {
	name := strings.ReplaceAll(strings.ToLower(req.DimensionName), " ", "_")
	return fmt.Sprintf("%s_%s.%s", name, req.Scope, req.Format)
}

// attributeColumns returns the dimension's attribute names in sorted order,
// with a shadow column directly after each shadowed attribute.
func attributeColumns(dimension domain.Dimension) []string {
	names := make([]string, 0, len(dimension.Attributes))
	shadowed := make(map[string]bool)
	for _, def := range dimension.Attributes {
		names = append(names, def.Name)
		if def.Policy == domain.PolicyShadowColumn {
			shadowed[def.Name] = true
		}
	}
	sort.Strings(names)

	columns := make([]string, 0, len(names)+len(shadowed))
	for _, name := range names {
		columns = append(columns, name)
		if shadowed[name] {
			columns = append(columns, domain.ShadowKey(name))
		}
	}
	return columns
}

func (s *Service) streamRows(
	ctx context.Context,
	dimensionID uuid.UUID,
	scope Scope,
	attributeNames []string,
	yield func([]string) error,
) error {
	filter := &domain.RecordFilter{}
	if scope == ScopeCurrent {
		filter.CurrentOnly = true
	}
	sortSpec := &domain.RecordSort{
		Field:     domain.RecordSortFieldBusinessKey,
		Direction: domain.SortDirectionAsc,
	}

	offset := 0
	for {
		records, _, err := s.recordRepo.ListByDimension(ctx, dimensionID, filter, sortSpec, pageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to list rows: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			if err := yield(recordRow(record, attributeNames)); err != nil {
				return err
			}
		}

		if len(records) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func recordRow(record domain.DimensionRecord, attributeNames []string) []string {
	row := make([]string, 0, len(metadataColumns)+len(attributeNames))

	endDate := ""
	if record.EndDate != nil {
		endDate = record.EndDate.UTC().Format(time.RFC3339)
	}
	row = append(row,
		record.BusinessKey,
		strconv.FormatInt(record.Version, 10),
		record.EffectiveDate.UTC().Format(time.RFC3339),
		endDate,
		strconv.FormatBool(record.IsCurrent),
	)

	for _, name := range attributeNames {
		row = append(row, formatCell(record.Attributes[name]))
	}
	return row
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

type rowSource func(yield func([]string) error) error

func writeCSV(headers []string, rows rowSource, out io.Writer) error {
	writer := csv.NewWriter(out)

	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	err := rows(func(row []string) error {
		return writer.Write(row)
	})
	if err != nil {
		return fmt.Errorf("failed to write csv row: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

func writeXLSX(headers []string, rows rowSource, out io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	stream, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	if err := writeSheetRow(stream, 1, headers); err != nil {
		return err
	}

	rowIndex := 2
	err = rows(func(row []string) error {
		if err := writeSheetRow(stream, rowIndex, row); err != nil {
			return err
		}
		rowIndex++
		return nil
	})
	if err != nil {
		return err
	}

	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush xlsx stream: %w", err)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("failed to render xlsx: %w", err)
	}
	if _, err := out.Write(buffer.Bytes()); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}

func writeSheetRow(stream *excelize.StreamWriter, rowIndex int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowIndex)
	if err != nil {
		return fmt.Errorf("failed to address row %d: %w", rowIndex, err)
	}

	cells := make([]any, len(values))
	for i, value := range values {
		cells[i] = value
	}
	if err := stream.SetRow(cell, cells); err != nil {
		return fmt.Errorf("failed to write row %d: %w", rowIndex, err)
	}
	return nil
}
