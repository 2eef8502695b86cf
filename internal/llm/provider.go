// Package llm turns tariff text the pattern matcher could not cover into
// line-item candidates with a language model.
package llm

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
)

// Request is one structuring call.
type Request struct {
	System string
	Prompt string
}

// Provider completes a structuring request with raw model text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Factory builds a provider from config. A nil provider with a nil error
// disables structuring.
type Factory func(cfg *config.Config) (Provider, error)

var providers = map[string]Factory{
	"anthropic": func(cfg *config.Config) (Provider, error) {
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("llm: anthropic provider requires anthropic.key")
		}
		return NewAnthropicProvider(anthropic.NewClient(cfg.Anthropic.Key), cfg.LLM.Model, cfg.LLM.MaxTokens), nil
	},
	"none": func(*config.Config) (Provider, error) { return nil, nil },
}

// NewProvider selects the provider named by llm.provider.
func NewProvider(cfg *config.Config) (Provider, error) {
	name := cfg.LLM.Provider
	if name == "" {
		name = "none"
	}
	f, ok := providers[name]
	if !ok {
		return nil, eris.Errorf("llm: unknown provider %q", name)
	}
	return f(cfg)
}

// Names lists the registered providers.
func Names() []string {
	out := make([]string, 0, len(providers))
	for n := range providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider creates a provider over client.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64) *AnthropicProvider {
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider. Rate limits and server errors come back as
// transient errors.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      req.System,
		CacheSystem: true,
		Prompt:      req.Prompt,
		Temperature: &temp,
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return "", resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return "", err
	}
	resp.Usage.Log(p.model, "structure")
	if resp.Truncated() {
		return resp.Text, eris.Errorf("llm: response truncated at %d tokens", p.maxTokens)
	}
	return resp.Text, nil
}
