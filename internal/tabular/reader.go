// Package tabular decodes bank exports into a header row plus data rows.
//
// Two encodings are understood: delimited text (.csv, .tsv, .txt) and
// spreadsheets (.xlsx, .xlsm). Everything else is a *FormatError. Decoding is
// lenient: a malformed line in a delimited file is dropped instead of failing
// the whole parse, and empty input yields an empty table.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// PreviewRows caps the number of data rows returned in preview mode.
const PreviewRows = 10

// Format identifies how a file body is encoded.
type Format int

const (
	FormatDelimited Format = iota
	FormatSpreadsheet
)

// ErrUnsupportedFormat is wrapped by FormatError when the extension is unknown.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// FormatError reports an unreadable or unsupported file. It is fatal to the
// whole operation; nothing has been written when it is returned.
type FormatError struct {
	FileName string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid file %q: %v", e.FileName, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Options controls how decoded records are split into header and rows.
type Options struct {
	Delimiter rune // delimited files only; ',' when zero
	SkipRows  int  // leading rows before the header
	Limit     int  // max data rows returned; 0 returns all
}

// Table is a decoded file: the header plus (possibly capped) data rows.
// TotalRows always counts every data row in the file.
type Table struct {
	Headers   []string
	Rows      [][]string
	TotalRows int
}

// FormatFor maps a file name to its encoding by extension.
func FormatFor(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".tsv", ".txt":
		return FormatDelimited, nil
	case ".xlsx", ".xlsm":
		return FormatSpreadsheet, nil
	default:
		return 0, &FormatError{FileName: fileName, Err: ErrUnsupportedFormat}
	}
}

// Read decodes data and splits it into a Table according to opts.
func Read(data []byte, fileName string, opts Options) (*Table, error) {
	records, err := Decode(data, fileName, opts.Delimiter)
	if err != nil {
		return nil, err
	}
	return Slice(records, opts.SkipRows, opts.Limit), nil
}

// Decode returns every non-empty record of the file. For spreadsheets only
// the first sheet is read.
func Decode(data []byte, fileName string, delimiter rune) ([][]string, error) {
	format, err := FormatFor(fileName)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	switch format {
	case FormatSpreadsheet:
		return decodeSpreadsheet(data, fileName)
	default:
		return decodeDelimited(Sanitize(data), fileName, delimiter)
	}
}

func decodeDelimited(data []byte, fileName string, delimiter rune) ([][]string, error) {
	if delimiter == 0 {
		delimiter = ','
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, &FormatError{FileName: fileName, Err: err}
		}
		if isEmptyRow(rec) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeSpreadsheet(data []byte, fileName string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{FileName: fileName, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &FormatError{FileName: fileName, Err: err}
	}

	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		records = append(records, row)
	}
	return records, nil
}

// Slice splits records into a header (after skip leading rows) and data
// rows. Header cells are cleaned. limit caps the returned rows but not
// TotalRows.
func Slice(records [][]string, skip, limit int) *Table {
	t := &Table{}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(records) {
		return t
	}

	header := records[skip]
	t.Headers = make([]string, len(header))
	for i, h := range header {
		t.Headers[i] = CleanCell(h)
	}

	data := records[skip+1:]
	t.TotalRows = len(data)
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	t.Rows = data
	return t
}

// FirstLine returns the first non-blank line of a delimited file body,
// which is what delimiter detection looks at.
func FirstLine(data []byte) string {
	for _, line := range strings.Split(string(Sanitize(data)), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// Lines returns up to n non-blank lines of a delimited file body.
func Lines(data []byte, n int) []string {
	var out []string
	for _, line := range strings.Split(string(Sanitize(data)), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= n {
			break
		}
	}
	return out
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
