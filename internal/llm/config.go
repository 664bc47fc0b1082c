// Package llm provides the language model client used by the pipeline agents.
// Model identifiers take the form "provider/model" and are routed to a
// backend chosen from a closed table of supported providers.
package llm

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderOpenAI is the OpenAI provider
	ProviderOpenAI Provider = "openai"
	// ProviderAnthropic is the Anthropic/Claude provider
	ProviderAnthropic Provider = "anthropic"
	// ProviderOllama is a locally hosted Ollama server
	ProviderOllama Provider = "ollama"
)

// Capability describes what a provider needs before it can serve requests.
type Capability struct {
	// CredentialEnv is the environment variable holding the API key.
	// Empty when the provider needs no credentials.
	CredentialEnv string
	// Local providers run next to the pipeline and are used for fallback.
	Local bool
}

var capabilities = map[Provider]Capability{
	ProviderGemini:    {CredentialEnv: "GEMINI_API_KEY"},
	ProviderOpenAI:    {CredentialEnv: "OPENAI_API_KEY"},
	ProviderAnthropic: {CredentialEnv: "ANTHROPIC_API_KEY"},
	ProviderOllama:    {Local: true},
}

// CapabilityOf returns the capability entry for a provider.
func CapabilityOf(p Provider) (Capability, bool) {
	c, ok := capabilities[p]
	return c, ok
}

// RequiresCredentials reports whether the provider needs an API key.
func (p Provider) RequiresCredentials() bool {
	c, ok := capabilities[p]
	return ok && c.CredentialEnv != ""
}

// ModelRef is a parsed "provider/model" identifier.
type ModelRef struct {
	Provider Provider
	Name     string
}

// String returns the canonical "provider/model" form.
func (r ModelRef) String() string {
	return string(r.Provider) + "/" + r.Name
}

// ParseModelRef parses a model identifier such as "gemini/gemini-2.5-flash".
func ParseModelRef(id string) (ModelRef, error) {
	provider, name, ok := strings.Cut(strings.TrimSpace(id), "/")
	if !ok || provider == "" || name == "" {
		return ModelRef{}, fmt.Errorf("invalid model id %q: expected provider/model", id)
	}
	p := Provider(strings.ToLower(provider))
	if _, known := capabilities[p]; !known {
		return ModelRef{}, &UnknownProviderError{Provider: provider}
	}
	return ModelRef{Provider: p, Name: name}, nil
}

// Config holds provider credentials and call defaults.
type Config struct {
	APIKeys     map[Provider]string
	OllamaURL   string
	CallTimeout time.Duration
	Temperature float32
}

// DefaultConfig returns a configuration with no credentials.
func DefaultConfig() *Config {
	return &Config{
		APIKeys:     map[Provider]string{},
		OllamaURL:   "http://localhost:11434",
		CallTimeout: 120 * time.Second,
		Temperature: 0.1,
	}
}

// ConfigFromEnv builds a Config from the credential variables in the
// capability table plus OLLAMA_HOST.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	for p, c := range capabilities {
		if c.CredentialEnv == "" {
			continue
		}
		if key := os.Getenv(c.CredentialEnv); key != "" {
			cfg.APIKeys[p] = key
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.OllamaURL = host
	}
	return cfg
}

// HasCredentials reports whether the provider can be called with this config.
func (c *Config) HasCredentials(p Provider) bool {
	if !p.RequiresCredentials() {
		return true
	}
	return c.APIKeys[p] != ""
}

// MissingCredentials returns one reason per model id that cannot be served,
// either because it does not parse or because its provider lacks a key.
func (c *Config) MissingCredentials(modelIDs []string) []string {
	var reasons []string
	seen := make(map[string]bool)
	for _, id := range modelIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ref, err := ParseModelRef(id)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		if !c.HasCredentials(ref.Provider) {
			capability := capabilities[ref.Provider]
			reasons = append(reasons, fmt.Sprintf("%s requires %s", id, capability.CredentialEnv))
		}
	}
	return reasons
}
