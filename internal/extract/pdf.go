package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PageSource is an opened PDF that yields per-page text. Pages are
// numbered from 1.
type PageSource interface {
	NumPage() int
	PageText(n int) (string, error)
	Close() error
}

// ErrEncrypted is returned by a PageSource opener for password-protected
// documents.
var ErrEncrypted = errors.New("extract: pdf is encrypted")

// PDFExtractor extracts page text from PDF documents.
type PDFExtractor struct {
	// Open defaults to OpenPDF.
	Open func(path string) (PageSource, error)
}

func (e PDFExtractor) Name() string { return "pdf" }

func (e PDFExtractor) Extract(ctx context.Context, path string) Result {
	open := e.Open
	if open == nil {
		open = OpenPDF
	}
	src, err := open(path)
	if err != nil {
		if errors.Is(err, ErrEncrypted) {
			return Failure("PDF is encrypted and cannot be processed")
		}
		return Failure("PDF processing failed: %v", err)
	}
	defer src.Close()

	total := src.NumPage()
	var pages []string
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return Failure("PDF processing failed: %v", err)
		}
		text, err := src.PageText(i)
		if err != nil {
			return Failure("PDF processing failed: page %d: %v", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, fmt.Sprintf("=== PAGE %d ===\n%s", i, text))
	}
	if len(pages) == 0 {
		return Failure("No text content found in PDF (may be image-based)")
	}

	var b strings.Builder
	b.WriteString("=== PDF METADATA ===\n")
	fmt.Fprintf(&b, "Total Pages: %d\n", total)
	fmt.Fprintf(&b, "Pages with Text: %d\n", len(pages))
	fmt.Fprintf(&b, "File: %s\n\n", filepath.Base(path))
	b.WriteString("=== EXTRACTED TEXT ===\n")
	b.WriteString(strings.Join(pages, "\n\n"))
	return Success(b.String())
}

// ledongthucSource adapts github.com/ledongthuc/pdf to PageSource.
type ledongthucSource struct {
	closer interface{ Close() error }
	reader *pdf.Reader
}

// OpenPDF opens path with the ledongthuc/pdf reader.
func OpenPDF(path string) (PageSource, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		if f != nil {
			f.Close()
		}
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, ErrEncrypted
		}
		return nil, err
	}
	return &ledongthucSource{closer: f, reader: r}, nil
}

func (s *ledongthucSource) NumPage() int { return s.reader.NumPage() }

func (s *ledongthucSource) PageText(n int) (string, error) {
	p := s.reader.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

func (s *ledongthucSource) Close() error { return s.closer.Close() }
