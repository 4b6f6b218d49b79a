// Package dataset serializes compacted records into the delivered file.
package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// ListSeparator joins list values inside a single cell.
const ListSeparator = "|"

// Columns returns the sorted union of record keys.
func Columns(records []crawler.Record) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// EncodeCSV renders records with a header row. Missing keys and nil values
// become empty cells.
func EncodeCSV(records []crawler.Record) ([]byte, error) {
	cols := Columns(records)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(cols))
	for i, rec := range records {
		for j, col := range cols {
			cell, err := formatCell(rec[col])
			if err != nil {
				return nil, fmt.Errorf("record %d column %q: %w", i, col, err)
			}
			row[j] = cell
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write record %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case []string:
		return strings.Join(val, ListSeparator), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			cell, err := formatCell(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, cell)
		}
		return strings.Join(parts, ListSeparator), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(data), nil
	}
}
