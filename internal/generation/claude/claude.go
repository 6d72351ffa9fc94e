// Package claude implements the Anthropic messages API provider with
// server-sent-event streaming.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/models"
)

const (
	apiVersion     = "2023-06-01"
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-3-haiku-20240307"
)

// Config configures the provider.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Provider calls the messages endpoint.
type Provider struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Provider. Timeouts come from the pipeline's context.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &Provider{cfg: cfg, httpClient: &http.Client{}}
}

// Describe implements generation.Provider.
func (p *Provider) Describe() generation.Descriptor {
	return generation.Descriptor{
		Name:      generation.ProviderClaude,
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Timeout:   p.cfg.Timeout,
		Streaming: true,
		Available: p.cfg.APIKey != "",
	}
}

// =====================================================
// Wire types
// =====================================================

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// event is one SSE data payload. Only the fields used are decoded.
type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =====================================================
// Generation
// =====================================================

// Generate implements generation.Provider.
func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest, emit generation.Emit) (string, error) {
	if p.cfg.APIKey == "" {
		return "", errors.New(errors.ErrProviderFailed, "claude API key not configured")
	}

	body := request{
		Model:     p.cfg.Model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemFraming,
		Stream:    true,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	for _, t := range req.Turns {
		body.Messages = append(body.Messages, message{Role: string(t.Role), Content: t.Content})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "claude request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", errors.Newf(errors.ErrProviderFailed, "claude API returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", errors.Newf(errors.ErrProviderFailed, "claude API returned %d: %s", resp.StatusCode, string(raw))
	}

	return readStream(resp.Body, emit)
}

// readStream decodes the event stream, passing text deltas to emit. The
// stream must end with message_stop; anything else is a failure.
func readStream(r io.Reader, emit generation.Emit) (string, error) {
	var content strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				content.WriteString(ev.Delta.Text)
				emit(ev.Delta.Text, false)
			}
		case "message_stop":
			return content.String(), nil
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return "", errors.Newf(errors.ErrProviderFailed, "claude: %s", msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "claude stream interrupted", err)
	}
	return "", errors.New(errors.ErrProviderFailed, fmt.Sprintf("claude stream ended before completion (%d bytes)", content.Len()))
}
