// Package inference calls an Ollama-compatible /api/generate endpoint to
// produce text from a prompt.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/cfq/internal/config"
)

// DefaultTimeout bounds a single generate call when none is configured.
const DefaultTimeout = 600 * time.Second

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 500

// ErrEmptyResponse is returned when the endpoint answers with no text.
var ErrEmptyResponse = errors.New("inference: empty response")

// HTTPError is a non-2xx answer from the endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference: http %d: %s", e.StatusCode, e.Body)
}

// Client generates text with a fixed model.
type Client struct {
	URL         string
	Model       string
	Temperature float64
	HTTP        *http.Client
}

// New builds a Client from the inference config.
func New(cfg config.InferenceConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	temperature := config.DefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &Client{
		URL:         cfg.URL,
		Model:       cfg.Model,
		Temperature: temperature,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	// Text is accepted from endpoints that answer in that field instead.
	Text string `json:"text"`
}

// Generate sends prompt and returns the trimmed response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: c.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("inference: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference: request %s: %w", c.Model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("inference: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: excerpt(raw)}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("inference: decode response: %w; raw=%s", err, excerpt(raw))
	}
	text := out.Response
	if text == "" {
		text = out.Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
