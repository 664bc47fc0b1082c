package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/testplan-agent/internal/prompts"
)

// Client is the language model capability the pipeline depends on.
type Client interface {
	// Query sends prompt to the model identified by modelID and returns its text.
	Query(ctx context.Context, modelID, prompt string) (string, error)
	// Probe performs a cheap health call without side effects.
	Probe(ctx context.Context, modelID string) bool
	// Close releases any resources held by the client
	Close() error
}

// Backend generates text for one provider.
type Backend interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
	Close() error
}

// BackendFactory creates the backend for a provider on first use.
type BackendFactory func(ctx context.Context, provider Provider, cfg *Config) (Backend, error)

// Router implements Client by dispatching each call to a provider backend.
type Router struct {
	config  *Config
	factory BackendFactory

	mu       sync.Mutex
	backends map[Provider]Backend
}

// NewRouter creates a Router. A nil factory uses the built-in providers.
func NewRouter(config *Config, factory BackendFactory) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if factory == nil {
		factory = NewBackend
	}
	return &Router{
		config:   config,
		factory:  factory,
		backends: make(map[Provider]Backend),
	}
}

// NewBackend constructs the built-in backend for a provider.
func NewBackend(ctx context.Context, provider Provider, cfg *Config) (Backend, error) {
	switch provider {
	case ProviderGemini:
		return NewGeminiBackend(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAIBackend(cfg)
	case ProviderAnthropic:
		return NewAnthropicBackend(cfg)
	case ProviderOllama:
		return NewOllamaBackend(cfg)
	default:
		return nil, &UnknownProviderError{Provider: string(provider)}
	}
}

// Query sends the prompt to the model and returns the generated text.
func (r *Router) Query(ctx context.Context, modelID, prompt string) (string, error) {
	ref, err := ParseModelRef(modelID)
	if err != nil {
		return "", err
	}

	backend, err := r.backend(ctx, ref.Provider)
	if err != nil {
		return "", &CallError{Model: modelID, Cause: err}
	}

	if r.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
	}

	text, err := backend.Generate(ctx, ref.Name, prompt)
	if err != nil {
		return "", &CallError{Model: modelID, Cause: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &CallError{Model: modelID, Cause: ErrEmptyResponse}
	}
	return text, nil
}

// Probe reports whether the model answers a trivial prompt.
func (r *Router) Probe(ctx context.Context, modelID string) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := r.Query(ctx, modelID, prompts.MustGet(prompts.ProbeFile, prompts.HealthCheck))
	return err == nil
}

// Close releases every backend created so far.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for p, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
	}
	r.backends = make(map[Provider]Backend)
	return errors.Join(errs...)
}

func (r *Router) backend(ctx context.Context, p Provider) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[p]; ok {
		return b, nil
	}
	if !r.config.HasCredentials(p) {
		return nil, fmt.Errorf("no credentials configured for provider %s", p)
	}
	b, err := r.factory(ctx, p, r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", p, err)
	}
	r.backends[p] = b
	return b, nil
}
