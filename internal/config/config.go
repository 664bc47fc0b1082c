// Package config provides configuration loading and validation for the CLI
// and the API server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/testplan-agent/internal/agents"
	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/orchestrator"
	"github.com/jonathan/testplan-agent/internal/pipeline"
	"github.com/jonathan/testplan-agent/internal/types"
)

// Duration is a time.Duration that reads "90s" style strings from JSON and YAML.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents settings loaded from a JSON or YAML file.
// All fields are optional; missing values use defaults, environment
// variables or CLI flags.
type Config struct {
	// Stores
	RedisURL     string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" validate:"omitempty,url"`
	KeyPrefix    string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" validate:"omitempty,alphanumunicode"`
	DatabaseURL  string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	DocstoreURL  string `json:"docstore_url,omitempty" yaml:"docstore_url,omitempty" validate:"omitempty,url"`
	DocCacheSize int    `json:"doc_cache_size,omitempty" yaml:"doc_cache_size,omitempty" validate:"gte=0"`
	NATSURL      string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`

	// Collections
	Collection       string `json:"collection,omitempty" yaml:"collection,omitempty"`
	OutputCollection string `json:"output_collection,omitempty" yaml:"output_collection,omitempty"`

	// Models use the "provider/model" form.
	ActorModels      []string `json:"actor_models,omitempty" yaml:"actor_models,omitempty" validate:"omitempty,dive,model_ref"`
	CriticModel      string   `json:"critic_model,omitempty" yaml:"critic_model,omitempty" validate:"omitempty,model_ref"`
	FinalCriticModel string   `json:"final_critic_model,omitempty" yaml:"final_critic_model,omitempty" validate:"omitempty,model_ref"`
	FallbackModel    string   `json:"fallback_model,omitempty" yaml:"fallback_model,omitempty" validate:"omitempty,model_ref"`

	// Credentials
	GeminiAPIKey    string `json:"gemini_api_key,omitempty" yaml:"gemini_api_key,omitempty"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty" yaml:"openai_api_key,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty" yaml:"anthropic_api_key,omitempty"`
	OllamaHost      string `json:"ollama_host,omitempty" yaml:"ollama_host,omitempty" validate:"omitempty,url"`
	JWTSecret       string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`

	// Limits
	BatchSize    int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"gte=0,lte=256"`
	MaxWorkers   int      `json:"max_workers,omitempty" yaml:"max_workers,omitempty" validate:"gte=0,lte=1024"`
	ActorPoolCap int      `json:"actor_pool_cap,omitempty" yaml:"actor_pool_cap,omitempty" validate:"gte=0,lte=64"`
	CallTimeout  Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty" validate:"gte=0"`
	Retention    Duration `json:"retention,omitempty" yaml:"retention,omitempty" validate:"gte=0"`
	TokenTTL     Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty" validate:"gte=0"`

	// Server
	Port      int     `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" validate:"gte=0"`
	RateBurst int     `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty" validate:"gte=0"`

	// Behavior
	PurgeOnAbort bool `json:"purge_on_abort,omitempty" yaml:"purge_on_abort,omitempty"`
	Verbose      bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("model_ref", func(fl validator.FieldLevel) bool {
		_, err := llm.ParseModelRef(fl.Field().String())
		return err == nil
	})
	return v
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by
// extension (.yaml and .yml are YAML, anything else is JSON).
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks field ranges and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config error: '%s' failed '%s' check", fieldName(fe), fe.Tag())
		}
		return fmt.Errorf("config error: %w", err)
	}

	if c.DatabaseURL != "" && c.DocstoreURL != "" {
		return fmt.Errorf("config error: 'database_url' and 'docstore_url' are mutually exclusive")
	}
	if c.RateBurst > 0 && c.RateLimit == 0 {
		return fmt.Errorf("config error: 'rate_burst' requires 'rate_limit'")
	}
	if c.FinalCriticModel != "" && c.CriticModel == "" && len(c.ActorModels) == 0 {
		return fmt.Errorf("config error: 'final_critic_model' requires 'critic_model' or 'actor_models'")
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	name := fe.StructField()
	if i := strings.IndexByte(name, '['); i > 0 {
		name = name[:i]
	}
	if f, ok := configFields[name]; ok {
		return f
	}
	return name
}

// configFields maps struct fields to their file keys for error messages.
var configFields = map[string]string{
	"RedisURL":         "redis_url",
	"KeyPrefix":        "key_prefix",
	"DocstoreURL":      "docstore_url",
	"DocCacheSize":     "doc_cache_size",
	"ActorModels":      "actor_models",
	"CriticModel":      "critic_model",
	"FinalCriticModel": "final_critic_model",
	"FallbackModel":    "fallback_model",
	"OllamaHost":       "ollama_host",
	"BatchSize":        "batch_size",
	"MaxWorkers":       "max_workers",
	"ActorPoolCap":     "actor_pool_cap",
	"CallTimeout":      "call_timeout",
	"Retention":        "retention",
	"TokenTTL":         "token_ttl",
	"Port":             "port",
	"RateLimit":        "rate_limit",
	"RateBurst":        "rate_burst",
}

// ApplyEnv overrides connection settings and credentials from the
// environment. getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.RedisURL, "REDIS_URL")
	set(&c.DatabaseURL, "DATABASE_URL")
	set(&c.DocstoreURL, "DOCSTORE_URL")
	set(&c.NATSURL, "NATS_URL")
	set(&c.GeminiAPIKey, "GEMINI_API_KEY")
	set(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	set(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	set(&c.OllamaHost, "OLLAMA_HOST")
	set(&c.JWTSecret, "JWT_SECRET")
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	str := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	str(&result.RedisURL, defaults.RedisURL)
	str(&result.KeyPrefix, defaults.KeyPrefix)
	str(&result.DatabaseURL, defaults.DatabaseURL)
	str(&result.DocstoreURL, defaults.DocstoreURL)
	str(&result.NATSURL, defaults.NATSURL)
	str(&result.Collection, defaults.Collection)
	str(&result.OutputCollection, defaults.OutputCollection)
	str(&result.CriticModel, defaults.CriticModel)
	str(&result.FinalCriticModel, defaults.FinalCriticModel)
	str(&result.FallbackModel, defaults.FallbackModel)
	str(&result.GeminiAPIKey, defaults.GeminiAPIKey)
	str(&result.OpenAIAPIKey, defaults.OpenAIAPIKey)
	str(&result.AnthropicAPIKey, defaults.AnthropicAPIKey)
	str(&result.OllamaHost, defaults.OllamaHost)
	str(&result.JWTSecret, defaults.JWTSecret)

	if len(result.ActorModels) == 0 {
		result.ActorModels = append([]string(nil), defaults.ActorModels...)
	}

	num := func(dst *int, def int) {
		if *dst == 0 {
			*dst = def
		}
	}
	num(&result.DocCacheSize, defaults.DocCacheSize)
	num(&result.BatchSize, defaults.BatchSize)
	num(&result.MaxWorkers, defaults.MaxWorkers)
	num(&result.ActorPoolCap, defaults.ActorPoolCap)
	num(&result.Port, defaults.Port)
	num(&result.RateBurst, defaults.RateBurst)

	if result.RateLimit == 0 {
		result.RateLimit = defaults.RateLimit
	}
	if result.CallTimeout == 0 {
		result.CallTimeout = defaults.CallTimeout
	}
	if result.Retention == 0 {
		result.Retention = defaults.Retention
	}
	if result.TokenTTL == 0 {
		result.TokenTTL = defaults.TokenTTL
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// Models returns the configured model roles.
func (c *Config) Models() types.Models {
	return types.Models{
		Actors:      append([]string(nil), c.ActorModels...),
		Critic:      c.CriticModel,
		FinalCritic: c.FinalCriticModel,
	}
}

// LLMConfig builds provider settings from the credentials in c.
func (c *Config) LLMConfig() *llm.Config {
	cfg := llm.DefaultConfig()
	keys := map[llm.Provider]string{
		llm.ProviderGemini:    c.GeminiAPIKey,
		llm.ProviderOpenAI:    c.OpenAIAPIKey,
		llm.ProviderAnthropic: c.AnthropicAPIKey,
	}
	for p, k := range keys {
		if k != "" {
			cfg.APIKeys[p] = k
		}
	}
	if c.OllamaHost != "" {
		cfg.OllamaURL = c.OllamaHost
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout.Std()
	}
	return cfg
}

// RunnerConfig builds pipeline settings. Fields left at zero fall back to
// the pipeline's own defaults.
func (c *Config) RunnerConfig() pipeline.Config {
	return pipeline.Config{
		Models:        c.Models(),
		FallbackModel: c.FallbackModel,
		Retention:     c.Retention.Std(),
		Actor:         agents.ActorConfig{PoolCap: c.ActorPoolCap},
		Orchestrator:  orchestrator.Config{BatchSize: c.BatchSize, MaxWorkers: c.MaxWorkers},
		Persist:       pipeline.PersistConfig{Collection: c.OutputCollection, Prefix: c.KeyPrefix},
	}
}
