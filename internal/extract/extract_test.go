package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/zulandar/cfq/internal/classify"
	"github.com/zulandar/cfq/internal/config"
	"google.golang.org/protobuf/types/known/durationpb"
)

// fakeTools stands in for PATH lookups and subprocesses.
type fakeTools struct {
	have  map[string]bool
	run   func(name string, args []string) ([]byte, error)
	calls [][]string
}

func (f *fakeTools) LookPath(name string) (string, error) {
	if f.have[name] {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
}

func (f *fakeTools) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.run == nil {
		return nil, errors.New("no runner")
	}
	return f.run(name, args)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestText_UTF8(t *testing.T) {
	path := writeFile(t, "hello.txt", []byte("Hello world"))
	res := TextExtractor{}.Extract(context.Background(), path)
	if !res.OK || res.Content != "Hello world" {
		t.Errorf("res = %+v", res)
	}
}

func TestText_Latin1Fallback(t *testing.T) {
	path := writeFile(t, "menu.txt", []byte{'c', 'a', 'f', 0xe9})
	res := TextExtractor{}.Extract(context.Background(), path)
	if !res.OK || res.Content != "café" {
		t.Errorf("res = %+v", res)
	}
}

func TestText_Encodings(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf-16le with bom", []byte{0xFF, 0xFE, 'H', 0, 'i', 0, 0xE9, 0}, "Hié"},
		{"utf-16be with bom", []byte{0xFE, 0xFF, 0, 'H', 0, 'i'}, "Hi"},
		{"utf-8 bom stripped", []byte{0xEF, 0xBB, 0xBF, 'o', 'k'}, "ok"},
		{"nul bytes dropped", []byte("a\x00b\x00\x00c"), "abc"},
		{"nul in utf-16", []byte{0xFF, 0xFE, 'x', 0, 0, 0, 'y', 0}, "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "export.txt", tt.data)
			res := TextExtractor{}.Extract(context.Background(), path)
			if !res.OK || res.Content != tt.want {
				t.Errorf("res = %+v, want content %q", res, tt.want)
			}
		})
	}
}

func TestText_ReadError(t *testing.T) {
	res := TextExtractor{}.Extract(context.Background(), t.TempDir())
	if res.OK || !strings.HasPrefix(res.Error, "Failed to read text file:") {
		t.Errorf("res = %+v", res)
	}
}

// fakePages is an in-memory PageSource.
type fakePages struct {
	pages  []string
	closed bool
}

func (p *fakePages) NumPage() int { return len(p.pages) }
func (p *fakePages) PageText(n int) (string, error) {
	return p.pages[n-1], nil
}
func (p *fakePages) Close() error { p.closed = true; return nil }

func TestPDF_SkipsBlankPages(t *testing.T) {
	src := &fakePages{pages: []string{"Intro text\n", "   \n", "Closing"}}
	e := PDFExtractor{Open: func(string) (PageSource, error) { return src, nil }}

	res := e.Extract(context.Background(), "/uploads/report.pdf")
	want := "=== PDF METADATA ===\nTotal Pages: 3\nPages with Text: 2\nFile: report.pdf\n\n" +
		"=== EXTRACTED TEXT ===\n=== PAGE 1 ===\nIntro text\n\n=== PAGE 3 ===\nClosing"
	if !res.OK || res.Content != want {
		t.Errorf("content = %q\nwant      %q", res.Content, want)
	}
	if strings.Contains(res.Content, "=== PAGE 2 ===") {
		t.Error("blank page rendered")
	}
	if !src.closed {
		t.Error("page source not closed")
	}
}

func TestPDF_NoText(t *testing.T) {
	e := PDFExtractor{Open: func(string) (PageSource, error) {
		return &fakePages{pages: []string{"", " "}}, nil
	}}
	res := e.Extract(context.Background(), "scan.pdf")
	if res.OK || res.Error != "No text content found in PDF (may be image-based)" {
		t.Errorf("res = %+v", res)
	}
}

func TestPDF_Encrypted(t *testing.T) {
	e := PDFExtractor{Open: func(string) (PageSource, error) { return nil, ErrEncrypted }}
	res := e.Extract(context.Background(), "locked.pdf")
	if res.OK || res.Error != "PDF is encrypted and cannot be processed" {
		t.Errorf("res = %+v", res)
	}
}

func TestPDF_CorruptFile(t *testing.T) {
	path := writeFile(t, "bad.pdf", []byte("not a pdf at all"))
	res := PDFExtractor{}.Extract(context.Background(), path)
	if res.OK || !strings.HasPrefix(res.Error, "PDF processing failed") {
		t.Errorf("res = %+v", res)
	}
}

type fakeTranscriber struct {
	tr  *Transcription
	err error
}

func (f fakeTranscriber) Name() string { return "fake" }
func (f fakeTranscriber) Transcribe(context.Context, string) (*Transcription, error) {
	return f.tr, f.err
}

func TestAudio_FormatsTranscript(t *testing.T) {
	e := AudioExtractor{Transcriber: fakeTranscriber{tr: &Transcription{
		Language: "en",
		Segments: []Segment{
			{Start: 0, End: 2.5, Text: " Hello there."},
			{Start: 2.5, End: 3, Text: " "},
			{Start: 3, End: 4.3, Text: " Bye."},
		},
	}}}
	res := e.Extract(context.Background(), "memo.mp3")
	want := "=== CLEAN TRANSCRIPT ===\nHello there.\nBye.\n\n" +
		"=== DETAILED TRANSCRIPT WITH TIMESTAMPS ===\n" +
		"[0.0s - 2.5s]  Hello there.\n[2.5s - 3.0s]  \n[3.0s - 4.3s]  Bye."
	if !res.OK || res.Content != want {
		t.Errorf("content = %q\nwant      %q", res.Content, want)
	}
}

func TestAudio_Unavailable(t *testing.T) {
	res := AudioExtractor{InitErr: errors.New("whisper binary missing")}.Extract(context.Background(), "a.mp3")
	if res.OK || !res.Unavailable || !strings.Contains(res.Error, "whisper binary missing") {
		t.Errorf("res = %+v", res)
	}
}

func TestAudio_TranscriberError(t *testing.T) {
	e := AudioExtractor{Transcriber: fakeTranscriber{err: errors.New("decoder crashed")}}
	res := e.Extract(context.Background(), "a.mp3")
	if res.OK || res.Unavailable || res.Error != "Transcription failed: decoder crashed" {
		t.Errorf("res = %+v", res)
	}
}

func TestWhisperCLI_MissingBinary(t *testing.T) {
	_, err := NewWhisperCLI(&fakeTools{}, "whisper", "base", "")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestWhisperCLI_Transcribe(t *testing.T) {
	tools := &fakeTools{have: map[string]bool{"whisper": true}}
	tools.run = func(name string, args []string) ([]byte, error) {
		var outDir string
		for i, a := range args {
			if a == "--output_dir" {
				outDir = args[i+1]
			}
		}
		body := `{"text":" Hi. Bye.","language":"en","segments":[` +
			`{"start":0.0,"end":1.2,"text":" Hi."},{"start":1.2,"end":2.0,"text":" Bye."}]}`
		return nil, os.WriteFile(filepath.Join(outDir, "clip.json"), []byte(body), 0o644)
	}
	w, err := NewWhisperCLI(tools, "", "", "en-US")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := w.Transcribe(context.Background(), "/data/clip.mp3")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Language != "en" || len(tr.Segments) != 2 || tr.Segments[1].Text != " Bye." {
		t.Errorf("tr = %+v", tr)
	}
	call := strings.Join(tools.calls[0], " ")
	for _, want := range []string{"whisper /data/clip.mp3", "--model base", "--output_format json", "--language en"} {
		if !strings.Contains(call, want) {
			t.Errorf("call %q missing %q", call, want)
		}
	}
}

func TestParseWhisperJSON_TextOnly(t *testing.T) {
	tr, err := parseWhisperJSON([]byte(`{"text":"just text"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "just text" {
		t.Errorf("tr = %+v", tr)
	}
	if _, err := parseWhisperJSON([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
}

func TestSpeechTranscription(t *testing.T) {
	resp := &speechpb.LongRunningRecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
		{
			Alternatives:  []*speechpb.SpeechRecognitionAlternative{{Transcript: "first part", Confidence: 0.9}},
			ResultEndTime: durationpb.New(3 * time.Second),
			LanguageCode:  "en-us",
		},
		{Alternatives: nil},
		{
			Alternatives:  []*speechpb.SpeechRecognitionAlternative{{Transcript: "second part", Confidence: 0.7}},
			ResultEndTime: durationpb.New(5500 * time.Millisecond),
		},
	}}
	tr := speechTranscription(resp, "en-US")
	if len(tr.Segments) != 2 {
		t.Fatalf("segments = %+v", tr.Segments)
	}
	if tr.Segments[1].Start != 3 || tr.Segments[1].End != 5.5 {
		t.Errorf("second segment = %+v", tr.Segments[1])
	}
	if tr.Language != "en-us" {
		t.Errorf("language = %q", tr.Language)
	}
	if tr.LanguageProbability < 0.79 || tr.LanguageProbability > 0.81 {
		t.Errorf("confidence = %v", tr.LanguageProbability)
	}
	if got := speechTranscription(nil, "de-DE"); got.Language != "de-DE" || len(got.Segments) != 0 {
		t.Errorf("nil response = %+v", got)
	}
}

func TestSpeechEncoding(t *testing.T) {
	tests := map[string]speechpb.RecognitionConfig_AudioEncoding{
		"a.wav":  speechpb.RecognitionConfig_LINEAR16,
		"a.FLAC": speechpb.RecognitionConfig_FLAC,
		"a.mp3":  speechpb.RecognitionConfig_MP3,
		"a.ogg":  speechpb.RecognitionConfig_OGG_OPUS,
		"a.m4a":  speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
	}
	for name, want := range tests {
		if got := speechEncoding(name); got != want {
			t.Errorf("speechEncoding(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestWhisperLanguage(t *testing.T) {
	for in, want := range map[string]string{"en-US": "en", "de_DE": "de", "FR": "fr"} {
		if got := whisperLanguage(in); got != want {
			t.Errorf("whisperLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewTranscriber(t *testing.T) {
	tr, err := NewTranscriber(context.Background(), config.AudioConfig{Backend: config.AudioNone}, nil)
	if tr != nil || err != nil {
		t.Errorf("none backend = %v, %v", tr, err)
	}
	tr, err = NewTranscriber(context.Background(), config.AudioConfig{Backend: config.AudioWhisper}, &fakeTools{})
	if tr != nil || err == nil {
		t.Errorf("missing whisper = %v, %v", tr, err)
	}
	tr, err = NewTranscriber(context.Background(),
		config.AudioConfig{Backend: config.AudioWhisper, WhisperBin: "whisper-ctranslate2"},
		&fakeTools{have: map[string]bool{"whisper-ctranslate2": true}})
	if err != nil || tr == nil || tr.Name() != "whisper" {
		t.Errorf("whisper = %v, %v", tr, err)
	}
	if _, err := NewTranscriber(context.Background(), config.AudioConfig{Backend: "vosk"}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRegistry_For(t *testing.T) {
	r := NewRegistry(Options{Tools: &fakeTools{}})
	tests := []struct {
		cat  classify.Category
		mime string
		want string
	}{
		{classify.Audio, "audio/mpeg", "audio"},
		{classify.Text, "text/plain", "text"},
		{classify.Document, "application/pdf", "pdf"},
		{classify.Document, "Application/PDF; charset=binary", "pdf"},
		{classify.Document, classify.MIMEXLSX, "spreadsheet"},
		{classify.Document, classify.MIMEXLS, "spreadsheet"},
		{classify.Document, classify.MIMECSV, "spreadsheet"},
		{classify.Document, classify.MIMEDOCX, "word"},
		{classify.Document, classify.MIMEDOC, "word"},
		{classify.Document, classify.MIMEODT, "opendocument"},
		{classify.Document, classify.MIMEODS, "opendocument"},
		{classify.Document, "application/rtf", ""},
		{classify.Image, "image/png", ""},
		{classify.Archive, "application/zip", ""},
	}
	for _, tt := range tests {
		e := r.For(tt.cat, tt.mime)
		got := ""
		if e != nil {
			got = e.Name()
		}
		if got != tt.want {
			t.Errorf("For(%s, %s) = %q, want %q", tt.cat, tt.mime, got, tt.want)
		}
	}
}

func TestRegistry_Unsupported(t *testing.T) {
	r := NewRegistry(Options{Tools: &fakeTools{}})
	res := r.Extract(context.Background(), classify.Image, "image/png", "/nope.png")
	want := "File type 'image' with MIME type 'image/png' not yet supported for processing"
	if res.OK || res.Error != want {
		t.Errorf("res = %+v", res)
	}
}

func TestRegistry_MissingFile(t *testing.T) {
	r := NewRegistry(Options{Tools: &fakeTools{}})
	path := filepath.Join(t.TempDir(), "gone.txt")
	res := r.Extract(context.Background(), classify.Text, "text/plain", path)
	if res.OK || res.Error != "File not found: "+path {
		t.Errorf("res = %+v", res)
	}
}

func TestRegistry_HelloWorld(t *testing.T) {
	r := NewRegistry(Options{Tools: &fakeTools{}})
	path := writeFile(t, "hello.txt", []byte("Hello world"))
	res := r.Extract(context.Background(), classify.Text, "text/plain", path)
	if !res.OK || res.Content != "Hello world" {
		t.Errorf("res = %+v", res)
	}
}

func TestRegistry_AudioUnavailable(t *testing.T) {
	r := NewRegistry(Options{Tools: &fakeTools{}, TranscriberErr: errors.New("no model")})
	path := writeFile(t, "a.mp3", []byte("ID3"))
	res := r.Extract(context.Background(), classify.Audio, "audio/mpeg", path)
	if res.OK || !res.Unavailable {
		t.Errorf("res = %+v", res)
	}
	if r.Capabilities()["audio"] {
		t.Error("audio capability should be false")
	}
}

func TestRegistry_Capabilities(t *testing.T) {
	r := NewRegistry(Options{
		Tools:       &fakeTools{have: map[string]bool{"soffice": true}},
		Transcriber: fakeTranscriber{},
	})
	caps := r.Capabilities()
	if !caps["audio"] || !caps["xls"] || caps["antiword"] || !caps["pdf"] {
		t.Errorf("caps = %v", caps)
	}
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Extract(context.Context, string) Result {
	panic("index out of range")
}

func TestSafeExtract_RecoversPanic(t *testing.T) {
	res := safeExtract(context.Background(), panicky{}, "x")
	if res.OK || !strings.Contains(res.Error, "panicky extraction panicked: index out of range") {
		t.Errorf("res = %+v", res)
	}
}
