package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainBackend adapts a langchaingo model to Backend.
type LangchainBackend struct {
	name        string
	model       llms.Model
	temperature float64
}

// NewOpenAIBackend creates a backend for the OpenAI API.
func NewOpenAIBackend(cfg *Config) (*LangchainBackend, error) {
	model, err := openai.New(openai.WithToken(cfg.APIKeys[ProviderOpenAI]))
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return &LangchainBackend{name: "openai", model: model, temperature: float64(cfg.Temperature)}, nil
}

// NewAnthropicBackend creates a backend for the Anthropic API.
func NewAnthropicBackend(cfg *Config) (*LangchainBackend, error) {
	model, err := anthropic.New(anthropic.WithToken(cfg.APIKeys[ProviderAnthropic]))
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
	}
	return &LangchainBackend{name: "anthropic", model: model, temperature: float64(cfg.Temperature)}, nil
}

// NewOllamaBackend creates a backend for a local Ollama server.
func NewOllamaBackend(cfg *Config) (*LangchainBackend, error) {
	serverURL := cfg.OllamaURL
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	model, err := ollama.New(ollama.WithServerURL(serverURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}
	return &LangchainBackend{name: "ollama", model: model, temperature: float64(cfg.Temperature)}, nil
}

// Generate sends a single prompt to the named model.
func (b *LangchainBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, b.model, prompt,
		llms.WithModel(model),
		llms.WithTemperature(b.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%s generation failed: %w", b.name, err)
	}
	return text, nil
}

// Close is a no-op; langchaingo clients hold no persistent connections.
func (b *LangchainBackend) Close() error {
	return nil
}
