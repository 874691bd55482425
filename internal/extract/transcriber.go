package extract

import (
	"context"
	"fmt"

	"github.com/zulandar/cfq/internal/config"
)

// NewTranscriber builds the configured speech-to-text backend. A nil
// Transcriber with a nil error means audio is switched off.
func NewTranscriber(ctx context.Context, cfg config.AudioConfig, tools Tools) (Transcriber, error) {
	switch cfg.Backend {
	case config.AudioNone:
		return nil, nil
	case config.AudioGCP:
		g, err := NewGCPSpeech(ctx, cfg.CredentialsFile, cfg.LanguageCode)
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.AudioWhisper, "":
		w, err := NewWhisperCLI(tools, cfg.WhisperBin, cfg.WhisperModel, cfg.LanguageCode)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("extract: unknown audio backend %q", cfg.Backend)
	}
}
