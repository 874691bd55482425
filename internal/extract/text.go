package extract

import (
	"bytes"
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// TextExtractor reads plain text files. A UTF-16 byte order mark selects
// UTF-16 decoding; other bytes that are not valid UTF-8 are decoded as
// ISO-8859-1, which accepts every byte sequence. NUL characters are
// dropped since the content column cannot store them everywhere.
type TextExtractor struct{}

func (TextExtractor) Name() string { return "text" }

var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
)

func (TextExtractor) Extract(_ context.Context, path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("Failed to read text file: %v", err)
	}
	text, err := decodeText(data)
	if err != nil {
		return Failure("Failed to read text file: %v", err)
	}
	return Success(strings.ReplaceAll(text, "\x00", ""))
}

func decodeText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		// UseBOM picks the byte order from the mark and strips it.
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(data)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	case bytes.HasPrefix(data, bomUTF8):
		data = data[len(bomUTF8):]
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
