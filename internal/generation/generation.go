// Package generation drives the multi-provider content pipeline. Providers
// are described by descriptors and tried in order by one driver; a failing
// provider hands over to the next without surfacing its error.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/telemetry"
)

// Provider names.
const (
	ProviderClaude      = "claude"
	ProviderOpenAI      = "openai"
	ProviderHuggingFace = "huggingface"
)

// Emit receives generated text. Fragments arrive with done=false in order,
// all from one provider; completion is signalled once with an empty
// fragment and done=true.
type Emit func(fragment string, done bool)

// Descriptor describes a provider to the driver.
type Descriptor struct {
	Name      string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// Streaming providers call emit with fragments as they are decoded.
	Streaming bool
	// Available is false when the provider lacks credentials.
	Available bool
	// AlwaysAvailable providers are tried even when not Available.
	AlwaysAvailable bool
}

// Provider is one content source.
type Provider interface {
	Describe() Descriptor
	// Generate returns the complete text. Streaming providers also pass each
	// fragment to emit; they never signal completion themselves.
	Generate(ctx context.Context, req models.GenerationRequest, emit Emit) (string, error)
}

// Result is a successful generation.
type Result struct {
	Content  string
	Provider string
	Model    string
}

// Pipeline tries providers in order until one succeeds.
type Pipeline struct {
	providers []Provider
	metrics   *telemetry.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records provider failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a Pipeline trying providers in the given order.
func NewPipeline(providers []Provider, opts ...Option) *Pipeline {
	p := &Pipeline{providers: providers}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Providers returns the descriptors in default order.
func (p *Pipeline) Providers() []Descriptor {
	out := make([]Descriptor, 0, len(p.providers))
	for _, pr := range p.providers {
		out = append(out, pr.Describe())
	}
	return out
}

// order puts the names in override first, keeping the remaining providers
// in their configured order after them. Unknown names are ignored.
func (p *Pipeline) order(override []string) []Provider {
	if len(override) == 0 {
		return p.providers
	}
	out := make([]Provider, 0, len(p.providers))
	used := make(map[int]bool, len(p.providers))
	for _, name := range override {
		for i, pr := range p.providers {
			if !used[i] && pr.Describe().Name == name {
				out = append(out, pr)
				used[i] = true
			}
		}
	}
	for i, pr := range p.providers {
		if !used[i] {
			out = append(out, pr)
		}
	}
	return out
}

// Generate runs req through the providers. onChunk may be nil. Fragments
// are held per attempt and reach onChunk only from the provider whose
// content is returned, so text from a provider that fails partway never
// mixes with its successor's. When every provider fails the error is
// PROVIDERS_EXHAUSTED and onChunk has not been called.
func (p *Pipeline) Generate(ctx context.Context, req models.GenerationRequest, onChunk Emit) (*Result, error) {
	if onChunk == nil {
		onChunk = func(string, bool) {}
	}

	var lastErr error
	tried := 0
	for _, pr := range p.order(req.ProviderOrder) {
		d := pr.Describe()
		if !d.Available && !d.AlwaysAvailable {
			continue
		}
		tried++

		content, fragments, err := p.attempt(ctx, pr, d, req)
		if err == nil {
			if !d.Streaming || len(fragments) == 0 {
				fragments = []string{content}
			}
			for _, f := range fragments {
				onChunk(f, false)
			}
			onChunk("", true)
			return &Result{Content: content, Provider: d.Name, Model: d.Model}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		p.metrics.ProviderFailed(d.Name)
		logging.Warn("Provider failed, trying next", map[string]interface{}{
			"provider": d.Name,
			"error":    err.Error(),
		})
	}

	if lastErr == nil {
		return nil, errors.Newf(errors.ErrProvidersExhausted, "no provider available (%d configured)", len(p.providers))
	}
	return nil, errors.Wrap(errors.ErrProvidersExhausted, fmt.Sprintf("%d providers failed", tried), lastErr)
}

func (p *Pipeline) attempt(ctx context.Context, pr Provider, d Descriptor, req models.GenerationRequest) (string, []string, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = d.MaxTokens
	}

	// Providers never signal completion; the driver does.
	var fragments []string
	emit := func(fragment string, done bool) {
		if !done && fragment != "" {
			fragments = append(fragments, fragment)
		}
	}
	content, err := pr.Generate(ctx, req, emit)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(content) == "" {
		return "", nil, errors.Newf(errors.ErrProviderFailed, "%s returned no content", d.Name)
	}
	return content, fragments, nil
}
