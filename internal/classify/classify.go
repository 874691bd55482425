// Package classify maps MIME types and filename extensions to the coarse
// categories used to route files to extractors.
package classify

import (
	"mime"
	"path/filepath"
	"strings"
)

// Category is a coarse file kind.
type Category string

const (
	Audio    Category = "audio"
	Text     Category = "text"
	Document Category = "document"
	Image    Category = "image"
	Archive  Category = "archive"
	Other    Category = "other"
)

// Well-known document MIME types used for extractor selection.
const (
	MIMEPDF  = "application/pdf"
	MIMEXLS  = "application/vnd.ms-excel"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEDOC  = "application/msword"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEODT  = "application/vnd.oasis.opendocument.text"
	MIMEODS  = "application/vnd.oasis.opendocument.spreadsheet"
	MIMECSV  = "text/csv"
)

var mimeCategories = map[string]Category{
	"audio/mpeg": Audio,
	"audio/mp3":  Audio,
	"audio/wav":  Audio,
	"audio/ogg":  Audio,
	"audio/m4a":  Audio,
	"audio/aac":  Audio,
	"audio/flac": Audio,

	"image/jpeg":    Image,
	"image/jpg":     Image,
	"image/png":     Image,
	"image/gif":     Image,
	"image/webp":    Image,
	"image/svg+xml": Image,
	"image/bmp":     Image,
	"image/tiff":    Image,

	"text/plain":                Text,
	"text/markdown":             Text,
	"text/html":                 Text,
	"text/css":                  Text,
	"text/javascript":           Text,
	"application/json":          Text,
	"application/xml":           Text,
	"text/tab-separated-values": Text,

	MIMEPDF:                         Document,
	MIMEDOC:                         Document,
	MIMEDOCX:                        Document,
	MIMEXLS:                         Document,
	MIMEXLSX:                        Document,
	"application/vnd.ms-powerpoint": Document,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": Document,
	MIMECSV: Document,
	MIMEODS: Document,
	MIMEODT: Document,
	"application/vnd.oasis.opendocument.presentation": Document,
	"application/rtf":   Document,
	"application/x-rtf": Document,

	"application/zip":              Archive,
	"application/x-tar":            Archive,
	"application/gzip":             Archive,
	"application/x-rar-compressed": Archive,
}

var extCategories = map[string]Category{}

// Extensions lists the allowed upload extensions per category.
var Extensions = map[Category][]string{
	Audio:    {"mp3", "wav", "ogg", "m4a", "aac", "flac", "mpga"},
	Image:    {"jpg", "jpeg", "png", "gif", "webp", "svg", "bmp", "tif", "tiff"},
	Text:     {"txt", "md", "html", "css", "js", "json", "xml", "py", "sql", "tsv"},
	Document: {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "csv", "ods", "odt", "odp", "rtf"},
	Archive:  {"zip", "tar", "gz", "rar"},
}

func init() {
	for cat, exts := range Extensions {
		for _, ext := range exts {
			extCategories[ext] = cat
		}
	}
}

// Classify returns the category for a file. A recognised MIME type wins;
// the filename extension is the fallback; otherwise the category is Other.
func Classify(mimeType, filename string) Category {
	if cat, ok := FromMIME(mimeType); ok {
		return cat
	}
	if cat, ok := FromExtension(filename); ok {
		return cat
	}
	return Other
}

// FromMIME looks up a MIME type, ignoring case and parameters.
func FromMIME(mimeType string) (Category, bool) {
	mt := NormalizeMIME(mimeType)
	if mt == "" {
		return Other, false
	}
	cat, ok := mimeCategories[mt]
	return cat, ok
}

// FromExtension looks up the lowercased extension of filename.
func FromExtension(filename string) (Category, bool) {
	ext := Ext(filename)
	if ext == "" {
		return Other, false
	}
	cat, ok := extCategories[ext]
	return cat, ok
}

// Allowed reports whether the extension of filename is accepted for upload.
func Allowed(filename string) bool {
	_, ok := FromExtension(filename)
	return ok
}

// Ext returns the lowercased extension of filename without the dot.
func Ext(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// NormalizeMIME lowercases a MIME type and strips parameters such as charset.
func NormalizeMIME(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
