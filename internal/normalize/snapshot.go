package normalize

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrEmptySnapshot indicates a snapshot without any data rows.
var ErrEmptySnapshot = errors.New("snapshot contains no rows")

// RawRow is a loosely typed deal row keyed by canonical column name.
type RawRow map[string]string

// malformedKey cannot collide with a header: headers are printable text.
const malformedKey = "\x00malformed"

// MalformedRow stands in for a record the CSV reader could not parse, so the
// normalizer can reject it like any other bad row.
func MalformedRow(detail string) RawRow {
	return RawRow{malformedKey: detail}
}

// Malformed reports whether r stands in for an unparseable record.
func (r RawRow) Malformed() (string, bool) {
	detail, ok := r[malformedKey]
	return detail, ok
}

// Input columns.
const (
	ColID          = "id"
	ColRegion      = "region"
	ColIndustry    = "industry"
	ColProductType = "product_type"
	ColLeadSource  = "lead_source"
	ColAmount      = "deal_amount"
	ColOpenDate    = "open_date"
	ColCloseDate   = "close_date"
	ColOutcome     = "outcome"
	ColCycleDays   = "sales_cycle_days"
)

// columnAliases maps CRM export headers onto the canonical columns.
var columnAliases = map[string]string{
	"deal_id":      ColID,
	"created_date": ColOpenDate,
	"closed_date":  ColCloseDate,
	"amount":       ColAmount,
}

// Source yields the raw rows of one snapshot.
type Source interface {
	Load(ctx context.Context) ([]RawRow, error)
}

// FileSource reads a CSV snapshot from disk.
type FileSource struct {
	Path string
}

// Load reads and parses the CSV file.
func (s FileSource) Load(ctx context.Context) ([]RawRow, error) {
	if s.Path == "" {
		return nil, errors.New("snapshot path is empty")
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return ReadCSV(ctx, f)
}

// ReadCSV parses a snapshot whose first record is the header.
func ReadCSV(ctx context.Context, r io.Reader) ([]RawRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptySnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		columns[i] = name
	}

	rows := make([]RawRow, 0, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			rows = append(rows, MalformedRow(parseErr.Error()))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot row %d: %w", len(rows)+1, err)
		}
		row := make(RawRow, len(columns))
		for i, col := range columns {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrEmptySnapshot
	}
	return rows, nil
}
