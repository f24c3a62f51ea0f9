// Package lookup serves the static reference tables: the international
// dialing-code dataset and the reported-number list. Tables load once at
// startup, keep their source columns intact, and answer from memory.
package lookup

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is one loaded dataset: the source header, the raw rows, and a
// normalized key per row taken from the dataset's match column.
type Table struct {
	header []string
	rows   [][]string
	keys   []string
}

// LoadCountries reads the comma-separated dialing-code dataset. Rows match
// on the "Phone Code" column.
func LoadCountries(path string) (*Table, error) {
	return load(path, ',', "Phone Code")
}

// LoadNumbers reads the semicolon-separated reported-number dataset. Rows
// match on the "PhoneNumber" column.
func LoadNumbers(path string) (*Table, error) {
	return load(path, ';', "PhoneNumber")
}

func load(path string, comma rune, keyCol string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset %s: empty", path)
	}

	header := records[0]
	key := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), keyCol) {
			key = i
			break
		}
	}
	if key < 0 {
		return nil, fmt.Errorf("dataset %s: no %q column", path, keyCol)
	}

	t := &Table{header: header}
	for _, rec := range records[1:] {
		if len(rec) <= key {
			continue
		}
		t.rows = append(t.rows, rec)
		t.keys = append(t.keys, NormalizeNumber(rec[key]))
	}
	return t, nil
}

// Header returns the dataset's column names in source order.
func (t *Table) Header() []string { return t.header }

// Len reports the number of loaded rows.
func (t *Table) Len() int { return len(t.rows) }

// Match returns every row whose key column equals value after
// normalization. Shared dialing codes like 1 and 44 legitimately return
// multiple rows.
func (t *Table) Match(value string) [][]string {
	want := NormalizeNumber(value)
	out := [][]string{}
	if want == "" {
		return out
	}
	for i, key := range t.keys {
		if key == want {
			out = append(out, t.rows[i])
		}
	}
	return out
}

// WriteCSV renders the header plus the given rows, preserving source
// column order.
func (t *Table) WriteCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// NormalizeNumber strips the + and 00 international prefixes and every
// non-digit, so 0044 7911..., +44 7911... and 447911... all compare equal.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	return digits
}
