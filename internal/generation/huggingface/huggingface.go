// Package huggingface implements the hosted inference provider. It is the
// last remote provider and is tried even without an API key.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/models"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co"
	defaultModel   = "mistralai/Mistral-7B-Instruct-v0.2"
	temperature    = 0.7
)

// Config configures the provider.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Provider calls the text-generation endpoint and returns the whole reply.
type Provider struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Provider.
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
		Name:            generation.ProviderHuggingFace,
		Model:           p.cfg.Model,
		MaxTokens:       p.cfg.MaxTokens,
		Timeout:         p.cfg.Timeout,
		Available:       p.cfg.APIKey != "",
		AlwaysAvailable: true,
	}
}

type parameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type request struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
}

type generated struct {
	GeneratedText string `json:"generated_text"`
}

// Prompt flattens the framing and turns into the plain-text dialogue the
// instruct models expect, ending with an open assistant line.
func Prompt(req models.GenerationRequest) string {
	var b strings.Builder
	if req.SystemFraming != "" {
		b.WriteString(req.SystemFraming)
		b.WriteString("\n\n")
	}
	for _, t := range req.Turns {
		if t.Role == models.RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("Human: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// Generate implements generation.Provider. emit is unused; the driver
// forwards the full text once.
func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest, _ generation.Emit) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	jsonData, err := json.Marshal(request{
		Inputs:     Prompt(req),
		Parameters: parameters{MaxNewTokens: maxTokens, Temperature: temperature},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/models/" + p.cfg.Model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "huggingface request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "read huggingface response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.ErrProviderFailed, "huggingface API returned %d: %s", resp.StatusCode, string(raw))
	}

	var out []generated
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "decode huggingface response", err)
	}
	if len(out) == 0 {
		return "", errors.New(errors.ErrProviderFailed, "huggingface returned no generations")
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}
