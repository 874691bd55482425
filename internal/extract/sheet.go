package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"github.com/zulandar/cfq/internal/classify"
)

// DefaultMaxSheetRows caps the data rows rendered per sheet.
const DefaultMaxSheetRows = 1050

// SpreadsheetExtractor renders every sheet of a workbook. xlsx is read
// directly; legacy xls is converted to xlsx with LibreOffice first; csv is
// treated as a single sheet named after the file.
type SpreadsheetExtractor struct {
	MaxRows int
	Tools   Tools
	// Soffice is the LibreOffice binary used for xls conversion.
	Soffice string
}

func (e SpreadsheetExtractor) Name() string { return "spreadsheet" }

func (e SpreadsheetExtractor) maxRows() int {
	if e.MaxRows <= 0 {
		return DefaultMaxSheetRows
	}
	return e.MaxRows
}

func (e SpreadsheetExtractor) Extract(ctx context.Context, path string) Result {
	switch classify.Ext(path) {
	case "csv":
		return e.extractCSV(path)
	case "xls":
		return e.extractXLS(ctx, path)
	default:
		return e.extractXLSX(path)
	}
}

func (e SpreadsheetExtractor) extractXLSX(path string) Result {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Failure("Excel processing failed: %v", err)
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			sheets = append(sheets, fmt.Sprintf("=== SHEET: %s ===\nError reading sheet: %v", name, err))
			continue
		}
		sheets = append(sheets, renderSheet(name, rows, e.maxRows()))
	}
	return Success(strings.Join(sheets, "\n\n"))
}

// extractXLS converts a legacy workbook into a temp directory and reads
// the result as xlsx.
func (e SpreadsheetExtractor) extractXLS(ctx context.Context, path string) Result {
	soffice := e.Soffice
	if soffice == "" {
		soffice = "soffice"
	}
	if !hasTool(e.Tools, soffice) {
		return Unavailable("Legacy .xls processing requires LibreOffice (%s) on PATH", soffice)
	}
	dir, err := os.MkdirTemp("", "cfq-xls-*")
	if err != nil {
		return Failure("Excel processing failed: %v", err)
	}
	defer os.RemoveAll(dir)

	if _, err := e.Tools.Run(ctx, soffice, "--headless", "--norestore", "--convert-to", "xlsx", "--outdir", dir, path); err != nil {
		return Failure("Excel processing failed: %v", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.extractXLSX(filepath.Join(dir, base+".xlsx"))
}

func (e SpreadsheetExtractor) extractCSV(path string) Result {
	f, err := os.Open(path)
	if err != nil {
		return Failure("CSV processing failed: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Failure("CSV processing failed: %v", err)
		}
		rows = append(rows, rec)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Success(renderSheet(name, rows, e.maxRows()))
}

// renderSheet formats one sheet. The first row is the header; the rest are
// data rows, of which at most maxRows are shown.
func renderSheet(name string, rows [][]string, maxRows int) string {
	rows = trimTrailingEmptyRows(rows)
	var header []string
	var data [][]string
	if len(rows) > 0 {
		header = rows[0]
		data = rows[1:]
	}
	cols := len(header)
	for _, r := range data {
		if len(r) > cols {
			cols = len(r)
		}
	}
	names := make([]string, cols)
	for i := range names {
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			names[i] = strings.TrimSpace(header[i])
		} else {
			names[i] = fmt.Sprintf("Unnamed: %d", i)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== SHEET: %s ===\n", name)
	fmt.Fprintf(&b, "Rows: %d, Columns: %d\n", len(data), cols)
	fmt.Fprintf(&b, "\nColumn Names: %s\n\n", strings.Join(names, ", "))
	if len(data) == 0 {
		b.WriteString("(Empty sheet)")
		return b.String()
	}
	shown := data
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	lines := make([]string, len(shown))
	for i, r := range shown {
		lines[i] = joinCells(r)
	}
	b.WriteString(strings.Join(lines, "\n"))
	if len(data) > maxRows {
		fmt.Fprintf(&b, "\n\n... (%d more rows not shown)", len(data)-maxRows)
	}
	return b.String()
}

func trimTrailingEmptyRows(rows [][]string) [][]string {
	for len(rows) > 0 && rowEmpty(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return rows
}

func rowEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// joinCells joins trimmed cells with " | ", dropping trailing empty cells.
func joinCells(row []string) string {
	cells := make([]string, len(row))
	for i, c := range row {
		cells[i] = strings.TrimSpace(c)
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return strings.Join(cells, " | ")
}
