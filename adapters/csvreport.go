//go:build !js

package adapters

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"marketplace-listing-sync/listing"
)

const maxHeadersInError = 30

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ───────── Delimited text ─────────

// ParseDelimited splits comma-delimited text into rows of fields. Quoted fields may
// contain commas, doubled quotes and line breaks. Blank lines (including the one
// left by a final newline) are dropped. On malformed input the rows read before
// the damage are returned together with the reader error; it never panics.
func ParseDelimited(text string) ([][]string, error) {
	return parseDelimited(strings.NewReader(text))
}

func parseDelimited(r io.Reader) ([][]string, error) {
	// skip BOM if present
	br := bufio.NewReader(r)
	if first3, _ := br.Peek(3); bytes.Equal(first3, utf8BOM) {
		_, _ = br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && rec != nil {
				rows = append(rows, rec)
			}
			return rows, err
		}
		if isBlankRow(rec) {
			continue
		}
		rows = append(rows, rec)
	}
}

func isBlankRow(rec []string) bool {
	return len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "")
}

// ───────── Column resolution ─────────

// Header candidates per logical column, in priority order (case-insensitive).
var (
	titleHeaders = []string{"title", "item title", "listing title"}
	skuHeaders   = []string{"custom label (sku)", "custom label", "sku"}
	idHeaders    = []string{"item id", "ebay item id", "listing id"}
	qtyHeaders   = []string{"available quantity", "quantity available", "available", "quantity"}
	priceHeaders = []string{"price", "current price", "buy it now price"}
)

// Columns holds header indexes; -1 means the column is absent.
type Columns struct {
	Title, SKU, ID, Quantity, Price int
}

// ResolveColumns maps report headers onto logical columns. At least one of title,
// sku and item id must resolve.
func ResolveColumns(headers []string) (Columns, error) {
	norm := make([]string, len(headers))
	for i, h := range headers {
		norm[i] = strings.ToLower(strings.TrimSpace(h))
	}
	find := func(cands []string) int {
		for _, c := range cands {
			for i, h := range norm {
				if h == c {
					return i
				}
			}
		}
		return -1
	}
	cols := Columns{
		Title:    find(titleHeaders),
		SKU:      find(skuHeaders),
		ID:       find(idHeaders),
		Quantity: find(qtyHeaders),
		Price:    find(priceHeaders),
	}
	if cols.Title < 0 && cols.SKU < 0 && cols.ID < 0 {
		seen := headers
		if len(seen) > maxHeadersInError {
			seen = seen[:maxHeadersInError]
		}
		return cols, &listing.ValidationError{
			Source: "csv",
			Msg:    "could not find a title, sku or item id column; headers seen: " + strings.Join(seen, ", "),
		}
	}
	return cols, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// ───────── Report reader ─────────

// ReadCSVReport parses a seller report into raw records. A parse error after the
// header is tolerated: rows read up to that point are kept.
func ReadCSVReport(text string) ([]listing.CSVRecord, error) {
	rows, _ := ParseDelimited(text)
	return recordsFromRows(rows)
}

// LoadCSVReport reads the report at path.
func LoadCSVReport(path string) ([]listing.CSVRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &listing.ConfigurationError{Msg: "csv report: " + err.Error()}
	}
	defer f.Close()
	rows, _ := parseDelimited(f)
	return recordsFromRows(rows)
}

func recordsFromRows(rows [][]string) ([]listing.CSVRecord, error) {
	if len(rows) < 2 {
		return nil, &listing.ValidationError{Source: "csv", Msg: "file appears empty"}
	}
	cols, err := ResolveColumns(rows[0])
	if err != nil {
		return nil, err
	}
	out := make([]listing.CSVRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, listing.CSVRecord{
			Title:     cell(row, cols.Title),
			SKU:       cell(row, cols.SKU),
			ListingID: cell(row, cols.ID),
			Quantity:  cell(row, cols.Quantity),
			Price:     cell(row, cols.Price),
		})
	}
	return out, nil
}
