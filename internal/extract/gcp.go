package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// GCPSpeech transcribes with Google Cloud Speech-to-Text. Audio is sent
// inline, so files are bounded by the API's inline content limit.
type GCPSpeech struct {
	client       *speech.Client
	languageCode string
}

// NewGCPSpeech dials the Speech API. An empty credentialsFile falls back
// to application default credentials.
func NewGCPSpeech(ctx context.Context, credentialsFile, languageCode string) (*GCPSpeech, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("extract: speech client: %w", err)
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	return &GCPSpeech{client: c, languageCode: languageCode}, nil
}

func (g *GCPSpeech) Name() string { return "gcp" }

// Close releases the underlying gRPC connection.
func (g *GCPSpeech) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GCPSpeech) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               g.languageCode,
			EnableAutomaticPunctuation: true,
			Encoding:                   speechEncoding(path),
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}
	op, err := g.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech recognize: %w", err)
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech wait: %w", err)
	}
	return speechTranscription(resp, g.languageCode), nil
}

// speechTranscription turns recognition results into consecutive segments:
// each result runs from the previous result's end to its own end offset.
func speechTranscription(resp *speechpb.LongRunningRecognizeResponse, language string) *Transcription {
	tr := &Transcription{Language: language}
	if resp == nil {
		return tr
	}
	var prevEnd, confSum float64
	var confN int
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		end := prevEnd
		if d := r.GetResultEndTime(); d != nil {
			end = d.AsDuration().Seconds()
		}
		tr.Segments = append(tr.Segments, Segment{Start: prevEnd, End: end, Text: " " + strings.TrimSpace(alt.GetTranscript())})
		prevEnd = end
		if lc := r.GetLanguageCode(); lc != "" {
			tr.Language = lc
		}
		confSum += float64(alt.GetConfidence())
		confN++
	}
	if confN > 0 {
		tr.LanguageProbability = confSum / float64(confN)
	}
	return tr
}

func speechEncoding(path string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3", ".mpga":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
