// Package openai implements the chat completions provider on go-openai.
package openai

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/models"
)

const defaultModel = "gpt-4o-mini"

// Config configures the provider.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Provider streams chat completions.
type Provider struct {
	cfg    Config
	client *goopenai.Client
}

// New creates a Provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Provider{cfg: cfg, client: goopenai.NewClientWithConfig(clientCfg)}
}

// Describe implements generation.Provider.
func (p *Provider) Describe() generation.Descriptor {
	return generation.Descriptor{
		Name:      generation.ProviderOpenAI,
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Timeout:   p.cfg.Timeout,
		Streaming: true,
		Available: p.cfg.APIKey != "",
	}
}

func messages(req models.GenerationRequest) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.SystemFraming != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemFraming})
	}
	for _, t := range req.Turns {
		role := goopenai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out
}

// Generate implements generation.Provider.
func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest, emit generation.Emit) (string, error) {
	if p.cfg.APIKey == "" {
		return "", errors.New(errors.ErrProviderFailed, "openai API key not configured")
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		Messages:  messages(req),
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrProviderFailed, "openai request failed", err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		resp, err := stream.Recv()
		if stderrors.Is(err, io.EOF) {
			return content.String(), nil
		}
		if err != nil {
			return "", errors.Wrap(errors.ErrProviderFailed, "openai stream interrupted", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			emit(choice.Delta.Content, false)
		}
	}
}
