package recordstore

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrMalformed is returned when a row doesn't fit the header
var ErrMalformed = errors.New("recordstore: malformed row")

const utf8BOM = "\ufeff"

// Record is a row as column name => value
type Record map[string]string

// Table is content of a record file being updated. Existing content is
// kept as is and new rows are added at the end, so Bytes() never
// rewrites rows it didn't add.
type Table struct {
	Header []string

	delim    rune
	raw      []byte
	added    [][]string
	changed  bool
	mismatch bool

	// Skipped is the number of rows Rows() ignored because they
	// didn't parse or had the wrong number of columns
	Skipped int
}

func newCsvReader(d []byte, delim rune) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(d))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}

// FormatRow formats fields as one line, quoting fields only when needed
func FormatRow(fields []string, delim rune) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim
	_ = w.Write(fields)
	w.Flush()
	return buf.Bytes()
}

func firstLine(d []byte) []byte {
	if idx := bytes.IndexByte(d, '\n'); idx >= 0 {
		d = d[:idx]
	}
	return bytes.TrimSuffix(d, []byte("\r"))
}

func parseLine(line []byte, delim rune) []string {
	line = bytes.TrimPrefix(line, []byte(utf8BOM))
	rec, err := newCsvReader(line, delim).Read()
	if err != nil {
		return nil
	}
	for i, s := range rec {
		rec[i] = strings.TrimSpace(s)
	}
	return rec
}

// ParseTable wraps content d of a record file. If header is given,
// it's the canonical header: an empty file is seeded with it and a file
// whose first line is different gets it inserted in front of the existing
// lines. If header is nil, the first line of d is the header.
func ParseTable(d []byte, header []string, delim rune) *Table {
	t := &Table{
		Header: header,
		delim:  delim,
	}
	empty := len(bytes.TrimSpace(d)) == 0
	switch {
	case header == nil && empty:
		t.raw = nil
		return t
	case header == nil:
		t.Header = parseLine(firstLine(d), delim)
		t.raw = d
	case empty:
		t.raw = FormatRow(header, delim)
		t.changed = true
	case !slices.Equal(parseLine(firstLine(d), delim), header):
		t.raw = append(FormatRow(header, delim), d...)
		t.changed = true
		t.mismatch = true
	default:
		t.raw = d
	}
	if n := len(t.raw); n > 0 && t.raw[n-1] != '\n' {
		t.raw = append(t.raw[:n:n], '\n')
		t.changed = true
	}
	return t
}

// HeaderMismatch returns true if the canonical header was inserted
// in front of existing content
func (t *Table) HeaderMismatch() bool {
	return t.mismatch
}

// Append adds a row. It must have as many fields as the header
// and fields can't contain newlines.
func (t *Table) Append(row []string) error {
	if len(row) != len(t.Header) {
		return fmt.Errorf("%w: %d fields, header has %d", ErrMalformed, len(row), len(t.Header))
	}
	for _, s := range row {
		if strings.ContainsAny(s, "\r\n") {
			return fmt.Errorf("%w: field '%s' contains a newline", ErrMalformed, s)
		}
	}
	t.added = append(t.added, slices.Clone(row))
	return nil
}

// Changed returns true if Bytes() differs from the content the table
// was parsed from
func (t *Table) Changed() bool {
	return t.changed || len(t.added) > 0
}

// Bytes returns the content to write back
func (t *Table) Bytes() []byte {
	res := slices.Clip(t.raw)
	for _, row := range t.added {
		res = append(res, FormatRow(row, t.delim)...)
	}
	return res
}

// Rows returns data rows, including added ones. Every line is one row:
// a quoted field never spans lines. Header lines and rows that don't have
// as many fields as the header are skipped.
func (t *Table) Rows() [][]string {
	t.Skipped = 0
	var res [][]string
	for _, line := range bytes.Split(t.raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte(utf8BOM))
		rec, err := newCsvReader(line, t.delim).Read()
		if err != nil || len(rec) != len(t.Header) {
			t.Skipped++
			continue
		}
		if slices.Equal(rec, t.Header) {
			continue
		}
		res = append(res, rec)
	}
	for _, row := range t.added {
		res = append(res, slices.Clone(row))
	}
	return res
}

// Records returns Rows() as column name => value
func (t *Table) Records() []Record {
	rows := t.Rows()
	res := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := make(Record, len(t.Header))
		for i, name := range t.Header {
			rec[name] = row[i]
		}
		res = append(res, rec)
	}
	return res
}
