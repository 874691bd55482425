package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/cfq/internal/logger"
)

// Segment is one timed span of a transcript, in seconds.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Transcription is the output of a speech-to-text backend.
type Transcription struct {
	Language            string
	LanguageProbability float64
	Segments            []Segment
}

// Transcriber converts an audio file to timed segments. Implementations
// are long-lived and constructed once per process.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, path string) (*Transcription, error)
}

// AudioExtractor transcribes audio with a Transcriber. When the backend
// failed to initialize, every file fails as unavailable.
type AudioExtractor struct {
	Transcriber Transcriber
	// InitErr explains why Transcriber is nil.
	InitErr error
	Log     *logger.Logger
}

func (e AudioExtractor) Name() string { return "audio" }

func (e AudioExtractor) Extract(ctx context.Context, path string) Result {
	if e.Transcriber == nil {
		if e.InitErr != nil {
			return Unavailable("Speech-to-text model not available: %v", e.InitErr)
		}
		return Unavailable("Speech-to-text model not available")
	}
	tr, err := e.Transcriber.Transcribe(ctx, path)
	if err != nil {
		return Failure("Transcription failed: %v", err)
	}
	logger.OrNop(e.Log).Info("transcription completed",
		"backend", e.Transcriber.Name(),
		"language", tr.Language,
		"confidence", fmt.Sprintf("%.2f", tr.LanguageProbability),
		"segments", len(tr.Segments))
	return Success(FormatTranscript(tr.Segments))
}

// FormatTranscript renders a clean transcript followed by a timestamped
// one.
func FormatTranscript(segments []Segment) string {
	clean := make([]string, 0, len(segments))
	detailed := make([]string, 0, len(segments))
	for _, s := range segments {
		detailed = append(detailed, fmt.Sprintf("[%.1fs - %.1fs] %s", s.Start, s.End, s.Text))
		if t := strings.TrimSpace(s.Text); t != "" {
			clean = append(clean, t)
		}
	}
	return "=== CLEAN TRANSCRIPT ===\n" + strings.Join(clean, "\n") +
		"\n\n=== DETAILED TRANSCRIPT WITH TIMESTAMPS ===\n" + strings.Join(detailed, "\n")
}
