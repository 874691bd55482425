package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zulandar/cfq/internal/classify"
)

const emptyODFDoc = "(Document appears to be empty or contains no readable content)"

// ODFExtractor reads OpenDocument text (odt) and spreadsheet (ods) files
// from their content.xml part.
type ODFExtractor struct {
	MaxRows int
}

func (e ODFExtractor) Name() string { return "opendocument" }

var odtNames = bodyNames{
	paragraph: []string{"p", "h"},
	table:     "table",
	row:       "table-row",
	cell:      "table-cell",
	tab:       "tab",
	lineBreak: "line-break",
	space:     "s",
}

func (e ODFExtractor) Extract(_ context.Context, path string) Result {
	ext := classify.Ext(path)
	if ext != "odt" && ext != "ods" {
		return Failure("Unsupported ODF document format: .%s", ext)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return Failure("LibreOffice/OpenOffice document processing failed: %v", err)
	}
	defer zr.Close()
	rc, err := openZipPart(&zr.Reader, "content.xml")
	if err != nil {
		return Failure("LibreOffice/OpenOffice document processing failed: %v", err)
	}
	defer rc.Close()

	var content string
	if ext == "odt" {
		body, err := parseBody(rc, odtNames)
		if err != nil {
			return Failure("LibreOffice/OpenOffice document processing failed: %v", err)
		}
		content = renderDocument(body)
	} else {
		sheets, err := parseODSSheets(rc)
		if err != nil {
			return Failure("LibreOffice/OpenOffice document processing failed: %v", err)
		}
		maxRows := e.MaxRows
		if maxRows <= 0 {
			maxRows = DefaultMaxSheetRows
		}
		content = renderODSSheets(sheets, maxRows)
	}
	if strings.TrimSpace(content) == "" {
		content = emptyODFDoc
	}
	return Success(content)
}

type odsSheet struct {
	Name string
	Rows [][]string
}

// parseODSSheets collects the cell text of every table in a spreadsheet
// content.xml. Repeated-cell and repeated-row markers are not expanded;
// they mostly describe empty filler.
func parseODSSheets(r io.Reader) ([]odsSheet, error) {
	var (
		sheets []odsSheet
		dec    = xml.NewDecoder(r)
		depth  int
		cur    *odsSheet
		row    []string
		cell   []string
		paras  paraStack
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "table":
				depth++
				if depth == 1 {
					name := attr(t, "name")
					if name == "" {
						name = fmt.Sprintf("Sheet%d", len(sheets)+1)
					}
					cur = &odsSheet{Name: name}
				}
			case "table-row":
				if depth == 1 {
					row = nil
				}
			case "table-cell", "covered-table-cell":
				if depth == 1 {
					cell = nil
				}
			case "p", "h":
				paras.push()
			case "s":
				paras.writeString(strings.Repeat(" ", repeatCount(t, "c")))
			case "tab":
				paras.writeString("\t")
			case "line-break":
				paras.writeString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "table":
				if depth == 1 && cur != nil {
					sheets = append(sheets, *cur)
					cur = nil
				}
				depth--
			case "table-row":
				if depth == 1 && cur != nil {
					cur.Rows = append(cur.Rows, row)
				}
			case "table-cell", "covered-table-cell":
				if depth == 1 {
					row = append(row, strings.Join(cell, " "))
				}
			case "p", "h":
				if text, outer := paras.pop(); outer {
					cell = append(cell, strings.TrimSpace(text))
				}
			}
		case xml.CharData:
			paras.writeString(string(t))
		}
	}
	return sheets, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// renderODSSheets formats non-empty rows of each sheet. Sheets without any
// content are omitted.
func renderODSSheets(sheets []odsSheet, maxRows int) string {
	var parts []string
	for _, s := range sheets {
		var lines []string
		for _, r := range s.Rows {
			if rowEmpty(r) {
				continue
			}
			lines = append(lines, joinCells(r))
		}
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "=== SHEET: %s ===\n", s.Name)
		fmt.Fprintf(&b, "Rows: %d\n\n", len(lines))
		shown := lines
		if len(shown) > maxRows {
			shown = shown[:maxRows]
		}
		b.WriteString(strings.Join(shown, "\n"))
		if len(lines) > maxRows {
			fmt.Fprintf(&b, "\n\n... (%d more rows not shown)", len(lines)-maxRows)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
