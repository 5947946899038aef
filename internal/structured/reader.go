package structured

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/quantumflow/kgbuilder/internal/schema"
)

// TabularReader streams rows in bounded batches, matching CSV's
// chunk_size/JSON's stream semantics from spec.md §4.15 without
// requiring a reader to materialize its whole source up front.
type TabularReader interface {
	// ReadBatch returns up to n rows (fewer at end of stream) and
	// whether more rows remain after this call.
	ReadBatch(ctx context.Context, n int) (rows []schema.Row, more bool, err error)
	// Columns returns the known column names, once discoverable (after
	// the header row for CSV, after the first decoded object for a JSON
	// array; may be empty before the first batch).
	Columns() []string
}

// CSVReader streams a CSV file's data rows as schema.Row values keyed
// by header name, matching the teacher's "read header once, stream the
// rest" idiom rather than loading the whole file into memory.
type CSVReader struct {
	r       *csv.Reader
	closer  io.Closer
	header  []string
	done    bool
}

// NewCSVReader wraps r, consuming the first record as the header.
func NewCSVReader(r io.Reader) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return &CSVReader{r: cr, done: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("structured: reading CSV header: %w", err)
	}
	closer, _ := r.(io.Closer)
	return &CSVReader{r: cr, closer: closer, header: header}, nil
}

func (c *CSVReader) Columns() []string { return c.header }

func (c *CSVReader) ReadBatch(ctx context.Context, n int) ([]schema.Row, bool, error) {
	if c.done || n <= 0 {
		return nil, false, nil
	}
	var rows []schema.Row
	for len(rows) < n {
		record, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return rows, false, fmt.Errorf("structured: reading CSV record: %w", err)
		}
		row := make(schema.Row, len(c.header))
		for i, col := range c.header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, !c.done, nil
}

// Close releases the underlying reader if it supports closing.
func (c *CSVReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// JSONReader streams a top-level JSON array of objects using
// json.Decoder's token-based streaming rather than unmarshaling the
// whole document, so large exports don't need to fit in memory at once.
type JSONReader struct {
	dec     *json.Decoder
	closer  io.Closer
	opened  bool
	done    bool
	columns []string
}

// NewJSONReader wraps r, expecting a top-level JSON array.
func NewJSONReader(r io.Reader) *JSONReader {
	closer, _ := r.(io.Closer)
	return &JSONReader{dec: json.NewDecoder(r), closer: closer}
}

func (j *JSONReader) Columns() []string { return j.columns }

func (j *JSONReader) ReadBatch(ctx context.Context, n int) ([]schema.Row, bool, error) {
	if j.done || n <= 0 {
		return nil, false, nil
	}
	if !j.opened {
		tok, err := j.dec.Token()
		if err != nil {
			return nil, false, fmt.Errorf("structured: reading JSON array start: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, false, fmt.Errorf("structured: expected top-level JSON array, got %v", tok)
		}
		j.opened = true
	}

	var rows []schema.Row
	for len(rows) < n && j.dec.More() {
		var row schema.Row
		if err := j.dec.Decode(&row); err != nil {
			return rows, false, fmt.Errorf("structured: decoding JSON row: %w", err)
		}
		if j.columns == nil {
			j.columns = sortedKeys(row)
		}
		rows = append(rows, row)
	}
	if !j.dec.More() {
		j.done = true
		// Consume the closing bracket so a caller driving the decoder
		// further (unlikely, but cheap to be correct) sees a clean EOF.
		_, _ = j.dec.Token()
	}
	return rows, !j.done, nil
}

func (j *JSONReader) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

func sortedKeys(row schema.Row) []string {
	out := make([]string, 0, len(row))
	for k := range row {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SliceReader adapts an in-memory []schema.Row (import_from_dataframe,
// or the materialized result of a reshape) to TabularReader.
type SliceReader struct {
	rows    []schema.Row
	columns []string
	offset  int
}

// NewSliceReader wraps rows, deriving columns from the first row.
func NewSliceReader(rows []schema.Row) *SliceReader {
	var columns []string
	if len(rows) > 0 {
		columns = sortedKeys(rows[0])
	}
	return &SliceReader{rows: rows, columns: columns}
}

func (s *SliceReader) Columns() []string { return s.columns }

func (s *SliceReader) ReadBatch(ctx context.Context, n int) ([]schema.Row, bool, error) {
	if s.offset >= len(s.rows) || n <= 0 {
		return nil, false, nil
	}
	end := s.offset + n
	if end > len(s.rows) {
		end = len(s.rows)
	}
	batch := s.rows[s.offset:end]
	s.offset = end
	return batch, s.offset < len(s.rows), nil
}

// TotalRowCount reports the known row count, used to compute a
// determinate progress percentage; CSV/JSON streams don't know their
// length up front and so don't implement this.
func (s *SliceReader) TotalRowCount() (int, bool) { return len(s.rows), true }

// UnsupportedReader reports a typed error for formats the corpus has no
// library for (Excel, SPSS): spec.md §4.15 names import_from_excel and
// import_from_spss, but no spreadsheet or SPSS-file library appears
// anywhere in the example pack, and fabricating one from scratch would
// mean inventing binary format support this module cannot ground on any
// reference implementation.
type UnsupportedReader struct {
	Format string
}

func (u UnsupportedReader) Columns() []string { return nil }

func (u UnsupportedReader) ReadBatch(ctx context.Context, n int) ([]schema.Row, bool, error) {
	return nil, false, fmt.Errorf("structured: %s import is not supported: no %s library available in this module", u.Format, u.Format)
}
