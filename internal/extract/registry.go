package extract

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/zulandar/cfq/internal/classify"
	"github.com/zulandar/cfq/internal/logger"
)

// Options configures NewRegistry.
type Options struct {
	// Transcriber handles audio. Nil disables audio, with TranscriberErr
	// as the reason reported on each audio file.
	Transcriber    Transcriber
	TranscriberErr error
	MaxSheetRows   int
	Tools          Tools
	Open           func(path string) (PageSource, error)
	Log            *logger.Logger
}

// Registry selects the extractor for a file. Build it once per process.
type Registry struct {
	audio AudioExtractor
	text  TextExtractor
	pdf   PDFExtractor
	sheet SpreadsheetExtractor
	word  WordExtractor
	odf   ODFExtractor
	tools Tools
	log   *logger.Logger
}

// NewRegistry wires the extractors.
func NewRegistry(opts Options) *Registry {
	tools := opts.Tools
	if tools == nil {
		tools = ExecTools{}
	}
	log := logger.OrNop(opts.Log)
	return &Registry{
		audio: AudioExtractor{Transcriber: opts.Transcriber, InitErr: opts.TranscriberErr, Log: log},
		pdf:   PDFExtractor{Open: opts.Open},
		sheet: SpreadsheetExtractor{MaxRows: opts.MaxSheetRows, Tools: tools},
		word:  WordExtractor{Tools: tools},
		odf:   ODFExtractor{MaxRows: opts.MaxSheetRows},
		tools: tools,
		log:   log,
	}
}

// Capabilities reports which optional backends are usable.
func (r *Registry) Capabilities() map[string]bool {
	return map[string]bool{
		"audio":    r.audio.Transcriber != nil,
		"text":     true,
		"pdf":      true,
		"xlsx":     true,
		"csv":      true,
		"xls":      hasTool(r.tools, "soffice"),
		"docx":     true,
		"doc":      true,
		"antiword": hasTool(r.tools, "antiword"),
		"odt":      true,
		"ods":      true,
	}
}

// For returns the extractor for a file of the given category and MIME
// type, or nil when the combination is not supported.
func (r *Registry) For(category classify.Category, mimeType string) Extractor {
	mt := classify.NormalizeMIME(mimeType)
	switch category {
	case classify.Audio:
		return r.audio
	case classify.Text:
		return r.text
	case classify.Document:
		switch mt {
		case classify.MIMEPDF:
			return r.pdf
		case classify.MIMEXLS, classify.MIMEXLSX, classify.MIMECSV:
			return r.sheet
		case classify.MIMEDOC, classify.MIMEDOCX:
			return r.word
		case classify.MIMEODT, classify.MIMEODS:
			return r.odf
		}
	}
	return nil
}

// Extract runs the matching extractor on path. It never panics and never
// returns an unsupported-type result without naming the type.
func (r *Registry) Extract(ctx context.Context, category classify.Category, mimeType, path string) Result {
	e := r.For(category, mimeType)
	if e == nil {
		return Failure("File type '%s' with MIME type '%s' not yet supported for processing", category, mimeType)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failure("File not found: %s", path)
		}
		return Failure("Failed to access file %s: %v", path, err)
	}
	r.log.Debug("extracting", "extractor", e.Name(), "path", path)
	return safeExtract(ctx, e, path)
}
