package summarize

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// TruncationMarker separates the kept head and tail of overlong content.
const TruncationMarker = "\n... [content truncated] ...\n"

// Defaults mirror the configuration defaults.
const (
	DefaultMaxChars    = 24000
	DefaultTargetWords = 150
)

const promptTemplate = `System: You are a helpful assistant. Summarize the provided file content clearly and concisely, focusing on key points, structure, and any actionable items. If the content appears to be a transcript, provide a brief overview with main topics. Keep it around {{ .TargetWords }} words.

User: Please summarize the following file content.

CONTENT:
{{ .Content }}

Assistant:`

var prompt = template.Must(template.New("summary").Parse(promptTemplate))

// PromptOptions bounds the prompt.
type PromptOptions struct {
	MaxChars    int
	TargetWords int
}

// markerLabel is the part of TruncationMarker that identifies it. Copies
// already present in truncated text are rewritten so the output carries
// exactly one marker.
const markerLabel = "[content truncated]"

// Truncate keeps the first and last max/2 characters of text when it is
// longer than max characters, joined by TruncationMarker. Shorter text is
// returned unchanged.
func Truncate(text string, max int) string {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return text
	}
	if strings.Contains(text, markerLabel) {
		r = []rune(strings.ReplaceAll(text, markerLabel, "(content truncated)"))
	}
	half := max / 2
	return string(r[:half]) + TruncationMarker + string(r[len(r)-half:])
}

// BuildPrompt wraps trimmed, possibly truncated content in the summary
// instruction.
func BuildPrompt(content string, opts PromptOptions) (string, error) {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.TargetWords <= 0 {
		opts.TargetWords = DefaultTargetWords
	}
	data := struct {
		TargetWords int
		Content     string
	}{opts.TargetWords, Truncate(strings.TrimSpace(content), opts.MaxChars)}

	var buf bytes.Buffer
	if err := prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("summarize: execute template: %w", err)
	}
	return buf.String(), nil
}
