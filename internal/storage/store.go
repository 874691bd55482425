// Package storage persists uploaded bytes in a date-sharded directory tree
// under generated names, and computes the content hash used for dedup.
package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/zulandar/cfq/internal/classify"
)

// DefaultMaxFileBytes is the upload size limit when none is configured.
const DefaultMaxFileBytes = 100 * 1024 * 1024

var (
	ErrEmpty       = errors.New("storage: file is empty")
	ErrTooLarge    = errors.New("storage: file too large")
	ErrNoExtension = errors.New("storage: file must have an extension")
	ErrNotAllowed  = errors.New("storage: file type not allowed")
	ErrPathEscapes = errors.New("storage: path escapes storage root")
	ErrNoFilename  = errors.New("storage: no file selected")
)

// StoredFile describes bytes committed to the store.
type StoredFile struct {
	SystemFilename string
	RelativePath   string
	Size           int64
}

// Store writes files under Root in YEAR/MONTH/DAY shards.
type Store struct {
	Root         string
	MaxFileBytes int64

	// now and newName are replaceable in tests.
	now     func() time.Time
	newName func() string
}

// New returns a Store rooted at root.
func New(root string, maxFileBytes int64) *Store {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Store{
		Root:         root,
		MaxFileBytes: maxFileBytes,
		now:          time.Now,
		newName:      func() string { return uuid.NewString() },
	}
}

// Validate applies the upload rules: a name is present, the file is
// non-empty and within the size limit, and the extension is allowed.
func (s *Store) Validate(data []byte, originalFilename string) error {
	name := SanitizeFilename(originalFilename)
	if name == "" {
		return ErrNoFilename
	}
	if len(data) == 0 {
		return ErrEmpty
	}
	if int64(len(data)) > s.MaxFileBytes {
		return fmt.Errorf("%w (maximum size is %dMB)", ErrTooLarge, s.MaxFileBytes/(1024*1024))
	}
	ext := classify.Ext(name)
	if ext == "" {
		return ErrNoExtension
	}
	if !classify.Allowed(name) {
		return fmt.Errorf("%w: '%s'", ErrNotAllowed, ext)
	}
	return nil
}

// Store commits data under a generated name and returns where it went. The
// write goes to a temp file in the shard directory and is renamed into place,
// so a failure never leaves a partial file at the returned path.
func (s *Store) Store(data []byte, originalFilename string) (StoredFile, error) {
	systemName := s.SystemFilename(originalFilename)
	now := s.now()
	rel := filepath.Join(
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		systemName,
	)
	full := filepath.Join(s.Root, rel)
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("storage: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return StoredFile{}, fmt.Errorf("storage: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: close %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return StoredFile{}, fmt.Errorf("storage: commit %s: %w", rel, err)
	}

	return StoredFile{
		SystemFilename: systemName,
		RelativePath:   filepath.ToSlash(rel),
		Size:           int64(len(data)),
	}, nil
}

// SystemFilename generates a collision-free name that keeps only the
// lowercased extension of the original.
func (s *Store) SystemFilename(originalFilename string) string {
	name := s.newName()
	if ext := classify.Ext(SanitizeFilename(originalFilename)); ext != "" {
		return name + "." + ext
	}
	return name
}

// FullPath resolves a stored relative path against the root.
func (s *Store) FullPath(relative string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relative))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, relative)
	}
	return filepath.Join(s.Root, clean), nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Store) Remove(relative string) error {
	full, err := s.FullPath(relative)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", relative, err)
	}
	return nil
}

// Hash returns the MD5 hex digest of data.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SanitizeFilename reduces a user-supplied name to a safe base name: any
// directory part is dropped and characters outside [A-Za-z0-9._-] become
// underscores. Leading dots are stripped.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// DetectMIME returns a MIME type for data. The extension table is
// consulted first because several office formats share a zip signature;
// content sniffing is the fallback.
func DetectMIME(data []byte, filename string) string {
	if mt := mimeByExtension(classify.Ext(filename)); mt != "" {
		return mt
	}
	mt := mimetype.Detect(data)
	return classify.NormalizeMIME(mt.String())
}

var extMIME = map[string]string{
	"mp3":  "audio/mpeg",
	"mpga": "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"m4a":  "audio/m4a",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"html": "text/html",
	"css":  "text/css",
	"js":   "text/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"tsv":  "text/tab-separated-values",
	"py":   "text/plain",
	"sql":  "text/plain",
	"pdf":  classify.MIMEPDF,
	"doc":  classify.MIMEDOC,
	"docx": classify.MIMEDOCX,
	"xls":  classify.MIMEXLS,
	"xlsx": classify.MIMEXLSX,
	"csv":  classify.MIMECSV,
	"odt":  classify.MIMEODT,
	"ods":  classify.MIMEODS,
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"rtf":  "application/rtf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"zip":  "application/zip",
	"tar":  "application/x-tar",
	"gz":   "application/gzip",
	"rar":  "application/x-rar-compressed",
}

func mimeByExtension(ext string) string {
	return extMIME[ext]
}

// FormatSize renders a byte count for humans.
func FormatSize(n int64) string {
	if n == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
