package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/zulandar/cfq/internal/classify"
)

const (
	docTextHeader  = "=== DOCUMENT TEXT ==="
	docTableHeader = "=== TABLE ==="
	emptyWordDoc   = "(Document appears to be empty or contains no readable text)"
)

// WordExtractor reads Word documents. docx is parsed from its XML parts;
// legacy doc goes through antiword when installed, otherwise printable
// text runs are pulled from the binary.
type WordExtractor struct {
	Tools    Tools
	Antiword string
}

func (e WordExtractor) Name() string { return "word" }

func (e WordExtractor) Extract(ctx context.Context, path string) Result {
	var content string
	switch ext := classify.Ext(path); ext {
	case "docx":
		body, err := readDocx(path)
		if err != nil {
			return Failure("Word document processing failed: %v", err)
		}
		content = renderDocument(body)
	case "doc":
		text, err := e.readDoc(ctx, path)
		if err != nil {
			return Failure("Word document processing failed: %v", err)
		}
		if text = strings.TrimSpace(text); text != "" {
			content = docTextHeader + "\n" + text
		}
	default:
		return Failure("Unsupported Word document format: .%s", ext)
	}
	if strings.TrimSpace(content) == "" {
		content = emptyWordDoc
	}
	return Success(content)
}

func (e WordExtractor) readDoc(ctx context.Context, path string) (string, error) {
	antiword := e.Antiword
	if antiword == "" {
		antiword = "antiword"
	}
	if hasTool(e.Tools, antiword) {
		out, err := e.Tools.Run(ctx, antiword, path)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return printableRuns(data, 4), nil
}

// documentBody is the reading order of a word-processing document: body
// paragraphs and top-level tables.
type documentBody struct {
	Paragraphs []string
	Tables     [][][]string
}

// renderDocument lays out paragraphs then tables. Empty paragraphs and
// table rows whose cells are all empty are dropped.
func renderDocument(body documentBody) string {
	var parts []string
	var paras []string
	for _, p := range body.Paragraphs {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	if len(paras) > 0 {
		parts = append(parts, docTextHeader+"\n"+strings.Join(paras, "\n\n"))
	}
	for _, t := range body.Tables {
		var rows []string
		for _, r := range t {
			cells := make([]string, len(r))
			for i, c := range r {
				cells[i] = strings.TrimSpace(c)
			}
			if rowEmpty(cells) {
				continue
			}
			rows = append(rows, strings.Join(cells, " | "))
		}
		if len(rows) > 0 {
			parts = append(parts, docTableHeader+"\n"+strings.Join(rows, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

func readDocx(path string) (documentBody, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return documentBody{}, err
	}
	defer zr.Close()
	rc, err := openZipPart(&zr.Reader, "word/document.xml")
	if err != nil {
		return documentBody{}, err
	}
	defer rc.Close()
	return parseBody(rc, docxNames)
}

func openZipPart(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("missing %s", name)
}

// bodyNames maps the element local names of one XML dialect onto the
// structural roles parseBody understands.
type bodyNames struct {
	paragraph []string
	table     string
	row       string
	cell      string
	text      string // element whose character data is text; "" means any
	run       string // element that must enclose tab/break; "" means any
	tab       string
	lineBreak string
	space     string
}

var docxNames = bodyNames{
	paragraph: []string{"p"},
	table:     "tbl",
	row:       "tr",
	cell:      "tc",
	text:      "t",
	run:       "r",
	tab:       "tab",
	lineBreak: "br",
}

// paraStack collects text for paragraphs that may nest, such as text boxes
// and footnotes. A nested paragraph is folded into its parent on its own
// line so the surrounding text keeps its order.
type paraStack struct {
	open []*strings.Builder
}

func (s *paraStack) push() { s.open = append(s.open, &strings.Builder{}) }

// pop closes the innermost paragraph and returns its text when it was the
// outermost one.
func (s *paraStack) pop() (string, bool) {
	if len(s.open) == 0 {
		return "", false
	}
	top := s.open[len(s.open)-1]
	s.open = s.open[:len(s.open)-1]
	if len(s.open) == 0 {
		return top.String(), true
	}
	if text := strings.TrimSpace(top.String()); text != "" {
		parent := s.open[len(s.open)-1]
		parent.WriteString("\n" + text + "\n")
	}
	return "", false
}

func (s *paraStack) writeString(text string) {
	if len(s.open) > 0 {
		s.open[len(s.open)-1].WriteString(text)
	}
}

// parseBody walks a document XML stream collecting body paragraphs and
// top-level tables. Paragraphs inside tables become cell text; nested
// tables are flattened into the enclosing cell. Fallback copies of
// alternate content are skipped so text boxes are read once.
func parseBody(r io.Reader, n bodyNames) (documentBody, error) {
	var (
		body          documentBody
		dec           = xml.NewDecoder(r)
		tblDepth      int
		runDepth      int
		textDepth     int
		fallbackDepth int
		paras         paraStack
		table         [][]string
		row           []string
		cellParas     []string
	)
	isPara := func(local string) bool {
		for _, p := range n.paragraph {
			if p == local {
				return true
			}
		}
		return false
	}
	inRun := func() bool { return n.run == "" || runDepth > 0 }

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return body, fmt.Errorf("parse xml: %w", err)
		}
		if fallbackDepth > 0 {
			switch tok.(type) {
			case xml.StartElement:
				fallbackDepth++
			case xml.EndElement:
				fallbackDepth--
			}
			continue
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch local := t.Name.Local; {
			case local == "Fallback":
				fallbackDepth = 1
			case local == n.table:
				tblDepth++
				if tblDepth == 1 {
					table = nil
				}
			case local == n.row && tblDepth == 1:
				row = nil
			case local == n.cell && tblDepth == 1:
				cellParas = nil
			case isPara(local):
				paras.push()
			case local == n.run && n.run != "":
				runDepth++
			case local == n.text:
				textDepth++
			case local == n.tab && inRun():
				paras.writeString("\t")
			case local == n.lineBreak && inRun():
				paras.writeString("\n")
			case local == n.space && n.space != "":
				paras.writeString(strings.Repeat(" ", repeatCount(t, "c")))
			}
		case xml.EndElement:
			switch local := t.Name.Local; {
			case local == n.table:
				if tblDepth == 1 {
					body.Tables = append(body.Tables, table)
				}
				tblDepth--
			case local == n.row && tblDepth == 1:
				table = append(table, row)
			case local == n.cell && tblDepth == 1:
				row = append(row, strings.Join(cellParas, "\n"))
			case isPara(local):
				text, outer := paras.pop()
				if !outer {
					break
				}
				if tblDepth == 0 {
					body.Paragraphs = append(body.Paragraphs, text)
				} else {
					cellParas = append(cellParas, strings.TrimSpace(text))
				}
			case local == n.run && n.run != "":
				runDepth--
			case local == n.text:
				textDepth--
			}
		case xml.CharData:
			if n.text == "" || textDepth > 0 {
				paras.writeString(string(t))
			}
		}
	}
	return body, nil
}

// repeatCount reads a count attribute (such as text:c on text:s), which
// defaults to 1.
func repeatCount(el xml.StartElement, local string) int {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			var n int
			if _, err := fmt.Sscanf(a.Value, "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// printableRuns pulls readable text out of a binary file. Both 8-bit and
// UTF-16LE runs of at least minLen printable characters are collected and
// whichever encoding yields more text wins.
func printableRuns(data []byte, minLen int) string {
	ascii := asciiRuns(data, minLen)
	wide := utf16Runs(data, minLen)
	if len(strings.Join(wide, "")) > len(strings.Join(ascii, "")) {
		return strings.Join(wide, "\n")
	}
	return strings.Join(ascii, "\n")
}

// printable16 accepts ASCII, Latin-1 and general punctuation code units.
func printable16(u uint16) bool {
	return (u >= 0x20 && u < 0x7f) || u == '\t' || (u >= 0xa0 && u <= 0x17f) || (u >= 0x2010 && u <= 0x2027)
}

func asciiRuns(data []byte, minLen int) []string {
	var runs []string
	var cur []byte
	flush := func() {
		if s := strings.TrimSpace(string(cur)); len(s) >= minLen {
			runs = append(runs, s)
		}
		cur = cur[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f || c == '\t' {
			cur = append(cur, c)
			continue
		}
		flush()
	}
	flush()
	return runs
}

func utf16Runs(data []byte, minLen int) []string {
	var runs []string
	var cur []uint16
	flush := func() {
		if s := strings.TrimSpace(string(utf16.Decode(cur))); len([]rune(s)) >= minLen {
			runs = append(runs, s)
		}
		cur = cur[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		if printable16(u) {
			cur = append(cur, u)
			continue
		}
		flush()
	}
	flush()
	return runs
}
