package tabular

import (
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// =============================================================================
// Format detection
// =============================================================================

func TestFormatFor(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		want    Format
		wantErr bool
	}{
		{"csv", "statement.csv", FormatDelimited, false},
		{"upper case csv", "STATEMENT.CSV", FormatDelimited, false},
		{"tsv", "export.tsv", FormatDelimited, false},
		{"txt", "export.txt", FormatDelimited, false},
		{"xlsx", "book.xlsx", FormatSpreadsheet, false},
		{"xlsm", "book.xlsm", FormatSpreadsheet, false},
		{"pdf", "statement.pdf", 0, true},
		{"no extension", "statement", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatFor(tt.file)
			if tt.wantErr {
				var fe *FormatError
				if !errors.As(err, &fe) {
					t.Fatalf("FormatFor(%q) error = %v, want *FormatError", tt.file, err)
				}
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("error should wrap ErrUnsupportedFormat")
				}
				return
			}
			if err != nil {
				t.Fatalf("FormatFor(%q) unexpected error: %v", tt.file, err)
			}
			if got != tt.want {
				t.Errorf("FormatFor(%q) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Delimited decoding
// =============================================================================

func TestRead_Delimited(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		opts        Options
		wantHeaders []string
		wantRows    int
		wantTotal   int
	}{
		{
			name:        "comma separated",
			input:       "Date,Amount,Description\n2024-01-15,-12.50,Coffee\n2024-01-16,100,Salary\n",
			wantHeaders: []string{"Date", "Amount", "Description"},
			wantRows:    2,
			wantTotal:   2,
		},
		{
			name:        "semicolon separated with quoted field",
			input:       "Дата;Сумма;Описание\n15.01.2024;\"-1 200,50\";\"Магазин; Москва\"\n",
			opts:        Options{Delimiter: ';'},
			wantHeaders: []string{"Дата", "Сумма", "Описание"},
			wantRows:    1,
			wantTotal:   1,
		},
		{
			name:        "blank lines dropped",
			input:       "a,b\n\n1,2\n   \n3,4\n",
			wantHeaders: []string{"a", "b"},
			wantRows:    2,
			wantTotal:   2,
		},
		{
			name:        "skip rows before header",
			input:       "Bank statement\nAccount 123\nDate,Amount\n2024-01-01,5\n",
			opts:        Options{SkipRows: 2},
			wantHeaders: []string{"Date", "Amount"},
			wantRows:    1,
			wantTotal:   1,
		},
		{
			name:        "limit caps rows but not total",
			input:       "a\n1\n2\n3\n4\n5\n",
			opts:        Options{Limit: 2},
			wantHeaders: []string{"a"},
			wantRows:    2,
			wantTotal:   5,
		},
		{
			name:        "ragged rows tolerated",
			input:       "a,b,c\n1,2\n1,2,3,4\n",
			wantHeaders: []string{"a", "b", "c"},
			wantRows:    2,
			wantTotal:   2,
		},
		{
			name:        "bom stripped from first header",
			input:       "\xEF\xBB\xBFDate,Amount\n2024-01-01,1\n",
			wantHeaders: []string{"Date", "Amount"},
			wantRows:    1,
			wantTotal:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Read([]byte(tt.input), "file.csv", tt.opts)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if len(table.Headers) != len(tt.wantHeaders) {
				t.Fatalf("headers = %v, want %v", table.Headers, tt.wantHeaders)
			}
			for i := range tt.wantHeaders {
				if table.Headers[i] != tt.wantHeaders[i] {
					t.Errorf("header[%d] = %q, want %q", i, table.Headers[i], tt.wantHeaders[i])
				}
			}
			if len(table.Rows) != tt.wantRows {
				t.Errorf("rows = %d, want %d", len(table.Rows), tt.wantRows)
			}
			if table.TotalRows != tt.wantTotal {
				t.Errorf("TotalRows = %d, want %d", table.TotalRows, tt.wantTotal)
			}
		})
	}
}

func TestRead_QuotedDelimiterStaysInField(t *testing.T) {
	table, err := Read([]byte("Date;Description\n01.02.2024;\"Shop; Moscow\"\n"), "x.csv", Options{Delimiter: ';'})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := table.Rows[0][1]; got != "Shop; Moscow" {
		t.Errorf("description = %q, want %q", got, "Shop; Moscow")
	}
}

func TestRead_EmptyInput(t *testing.T) {
	for _, input := range []string{"", "   \n\n"} {
		table, err := Read([]byte(input), "empty.csv", Options{})
		if err != nil {
			t.Fatalf("Read(%q) error = %v", input, err)
		}
		if len(table.Headers) != 0 || len(table.Rows) != 0 || table.TotalRows != 0 {
			t.Errorf("Read(%q) = %+v, want empty table", input, table)
		}
	}
}

func TestRead_UnsupportedExtension(t *testing.T) {
	_, err := Read([]byte("a,b\n1,2\n"), "statement.pdf", Options{})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FormatError", err)
	}
	if fe.FileName != "statement.pdf" {
		t.Errorf("FileName = %q", fe.FileName)
	}
}

func TestRead_Windows1251(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().String("Дата;Сумма\n01.01.2024;100\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	table, err := Read([]byte(encoded), "sber.csv", Options{Delimiter: ';'})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if table.Headers[0] != "Дата" || table.Headers[1] != "Сумма" {
		t.Errorf("headers = %v, want decoded cyrillic", table.Headers)
	}
}

// =============================================================================
// Spreadsheet decoding
// =============================================================================

func buildWorkbook(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

func TestRead_Spreadsheet(t *testing.T) {
	data := buildWorkbook(t, [][]interface{}{
		{"Date", "Amount", "Description"},
		{"2024-01-15", "-12.50", "Coffee"},
		{"2024-01-16", "100", "Salary"},
	})

	table, err := Read(data, "book.xlsx", Options{})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(table.Headers) != 3 || table.Headers[1] != "Amount" {
		t.Errorf("headers = %v", table.Headers)
	}
	if table.TotalRows != 2 {
		t.Errorf("TotalRows = %d, want 2", table.TotalRows)
	}
	if table.Rows[0][2] != "Coffee" {
		t.Errorf("row[0][2] = %q, want Coffee", table.Rows[0][2])
	}
}

func TestRead_CorruptSpreadsheet(t *testing.T) {
	_, err := Read([]byte("definitely not a zip archive"), "book.xlsx", Options{})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FormatError", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  plain  ", "plain"},
		{"\"quoted\"", "quoted"},
		{"\ufeffDate", "Date"},
		{"1\u00a0200,50", "1 200,50"},
		{"\"", "\""},
		{"=\"00123\"", "00123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanCell(tt.in); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLines(t *testing.T) {
	got := Lines([]byte("\n\nfirst\r\n\nsecond\nthird\n"), 2)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Lines() = %q", got)
	}
	if FirstLine([]byte("\n  \nheader;row\n")) != "header;row" {
		t.Errorf("FirstLine() did not skip blank lines")
	}
}
