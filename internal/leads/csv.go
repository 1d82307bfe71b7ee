package leads

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Accepted header names per column, Portuguese sheet first.
var columnAliases = map[string][]string{
	"company": {"nome", "empresa", "company", "name"},
	"contact": {"numero", "número", "telefone", "contact", "phone"},
	"segment": {"segmento", "segment"},
}

// ParseCSV reads leads from r. The first record is the header; blank rows are
// skipped and any invalid row fails the whole read with its row number.
func ParseCSV(r io.Reader) ([]Lead, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leads: read header: %w", err)
	}
	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var out []Lead
	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("leads: read row %d: %w", row+1, err)
		}
		row++
		if blankRecord(record) {
			continue
		}
		lead := Lead{
			Company: field(record, cols["company"]),
			Contact: field(record, cols["contact"]),
			Segment: field(record, cols["segment"]),
			Row:     row,
		}
		if err := lead.Validate(); err != nil {
			return nil, fmt.Errorf("leads: row %d: %w", row, err)
		}
		out = append(out, lead)
	}
	return out, nil
}

// LoadFile parses the CSV at path into repo and returns how many leads were added.
func LoadFile(ctx context.Context, path string, repo Repository) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("leads: open %s: %w", path, err)
	}
	defer f.Close()

	parsed, err := ParseCSV(f)
	if err != nil {
		return 0, err
	}
	for _, lead := range parsed {
		if _, err := repo.Add(ctx, lead); err != nil {
			return 0, fmt.Errorf("leads: row %d: %w", lead.Row, err)
		}
	}
	return len(parsed), nil
}

func resolveColumns(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		index[name] = i
	}
	cols := make(map[string]int, len(columnAliases))
	for col, aliases := range columnAliases {
		found := false
		for _, alias := range aliases {
			if i, ok := index[alias]; ok {
				cols[col] = i
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w (missing %s)", ErrMissingColumns, col)
		}
	}
	return cols, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
