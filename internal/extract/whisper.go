package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WhisperCLI transcribes with a local whisper command line tool that
// writes JSON output (openai-whisper or whisper-ctranslate2).
type WhisperCLI struct {
	Bin      string
	Model    string
	Language string
	Tools    Tools
}

// NewWhisperCLI probes for bin on PATH and fails if it is missing.
func NewWhisperCLI(tools Tools, bin, model, language string) (*WhisperCLI, error) {
	if bin == "" {
		bin = "whisper"
	}
	if model == "" {
		model = "base"
	}
	if tools == nil {
		tools = ExecTools{}
	}
	if _, err := tools.LookPath(bin); err != nil {
		return nil, fmt.Errorf("extract: whisper binary %q not found: %w", bin, err)
	}
	return &WhisperCLI{Bin: bin, Model: model, Language: language, Tools: tools}, nil
}

func (w *WhisperCLI) Name() string { return "whisper" }

type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (w *WhisperCLI) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	dir, err := os.MkdirTemp("", "cfq-whisper-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args := []string{path,
		"--model", w.Model,
		"--output_format", "json",
		"--output_dir", dir,
		"--beam_size", "5",
		"--fp16", "False",
		"--verbose", "False",
	}
	if w.Language != "" {
		args = append(args, "--language", whisperLanguage(w.Language))
	}
	if _, err := w.Tools.Run(ctx, w.Bin, args...); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := os.ReadFile(filepath.Join(dir, base+".json"))
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	return parseWhisperJSON(data)
}

func parseWhisperJSON(data []byte) (*Transcription, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	tr := &Transcription{Language: out.Language}
	for _, s := range out.Segments {
		tr.Segments = append(tr.Segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(tr.Segments) == 0 && strings.TrimSpace(out.Text) != "" {
		tr.Segments = []Segment{{Text: out.Text}}
	}
	return tr, nil
}

// whisperLanguage reduces a BCP-47 tag such as "en-US" to whisper's
// two-letter code.
func whisperLanguage(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return strings.ToLower(code)
}
