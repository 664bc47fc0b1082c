package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"redis_url": "redis://localhost:6379/0",
		"collection": "standards",
		"actor_models": ["gemini/gemini-2.5-flash", "ollama/llama3.1"],
		"critic_model": "openai/gpt-4o-mini",
		"batch_size": 4,
		"retention": "48h",
		"verbose": true
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "standards", cfg.Collection)
	assert.Equal(t, []string{"gemini/gemini-2.5-flash", "ollama/llama3.1"}, cfg.ActorModels)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.Retention.Std())
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
docstore_url: http://docs:8000
collection: standards
actor_models:
  - ollama/a
  - ollama/b
call_timeout: 90s
rate_limit: 2.5
rate_burst: 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://docs:8000", cfg.DocstoreURL)
	assert.Equal(t, []string{"ollama/a", "ollama/b"}, cfg.ActorModels)
	assert.Equal(t, 90*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, 5, cfg.RateBurst)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want string
	}{
		{"invalid json", func(t *testing.T) string { return writeFile(t, "c.json", `{ invalid json }`) }, "failed to parse config JSON"},
		{"invalid yaml", func(t *testing.T) string { return writeFile(t, "c.yml", "collection: [unterminated") }, "failed to parse config YAML"},
		{"bad duration", func(t *testing.T) string { return writeFile(t, "c.json", `{"retention": "soon"}`) }, "invalid duration"},
		{"missing file", func(*testing.T) string { return "/nonexistent/path/config.json" }, "failed to read config file"},
		{"empty path", func(*testing.T) string { return "" }, "config path is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.path(t))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"valid", Config{RedisURL: "redis://localhost:6379", ActorModels: []string{"ollama/a"}, Port: 8080}, ""},
		{"empty", Config{}, ""},
		{"mutually exclusive stores", Config{DatabaseURL: "postgres://x", DocstoreURL: "http://y"}, "mutually exclusive"},
		{"bad model id", Config{ActorModels: []string{"llama3"}}, "'actor_models' failed 'model_ref'"},
		{"unknown provider", Config{CriticModel: "acme/x"}, "'critic_model' failed 'model_ref'"},
		{"port range", Config{Port: 70000}, "'port' failed 'lte'"},
		{"negative batch", Config{BatchSize: -1}, "'batch_size' failed 'gte'"},
		{"bad redis url", Config{RedisURL: "not a url"}, "'redis_url' failed 'url'"},
		{"burst without rate", Config{RateBurst: 3}, "'rate_burst' requires 'rate_limit'"},
		{"final critic alone", Config{FinalCriticModel: "ollama/x"}, "'final_critic_model' requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REDIS_URL":      "redis://env:6379",
		"GEMINI_API_KEY": "g-key",
		"OLLAMA_HOST":    "http://ollama:11434",
		"JWT_SECRET":     "env-secret",
	}
	cfg := Config{RedisURL: "redis://file:6379", DocstoreURL: "http://docs"}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "redis://env:6379", cfg.RedisURL, "env wins over file")
	assert.Equal(t, "http://docs", cfg.DocstoreURL, "unset env keeps file value")
	assert.Equal(t, "g-key", cfg.GeminiAPIKey)
	assert.Equal(t, "http://ollama:11434", cfg.OllamaHost)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "TESTPLAN_DOTENV_PROBE=loaded\nTESTPLAN_DOTENV_SET=from-file\n")
	t.Setenv("TESTPLAN_DOTENV_SET", "from-env")
	t.Setenv("TESTPLAN_DOTENV_PROBE", "")
	require.NoError(t, os.Unsetenv("TESTPLAN_DOTENV_PROBE"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("TESTPLAN_DOTENV_PROBE"))
	assert.Equal(t, "from-env", os.Getenv("TESTPLAN_DOTENV_SET"), "existing variables are not overridden")
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := Config{
		RedisURL:  "redis://mine",
		BatchSize: 2,
	}
	defaults := Config{
		RedisURL:    "redis://default",
		Collection:  "standards",
		ActorModels: []string{"ollama/a"},
		BatchSize:   8,
		MaxWorkers:  16,
		Retention:   Duration(time.Hour),
		RateLimit:   1,
	}

	merged := cfg.MergeWithDefaults(defaults)

	assert.Equal(t, "redis://mine", merged.RedisURL)
	assert.Equal(t, "standards", merged.Collection)
	assert.Equal(t, []string{"ollama/a"}, merged.ActorModels)
	assert.Equal(t, 2, merged.BatchSize)
	assert.Equal(t, 16, merged.MaxWorkers)
	assert.Equal(t, time.Hour, merged.Retention.Std())
	assert.Equal(t, 1.0, merged.RateLimit)

	merged.ActorModels[0] = "changed"
	assert.Equal(t, "ollama/a", defaults.ActorModels[0], "merge copies slices")
}

func TestMergeWithDefaults_EmptyDefaults(t *testing.T) {
	cfg := Config{Collection: "c", Port: 9000}
	assert.Equal(t, cfg, cfg.MergeWithDefaults(Config{}))
}

func TestLLMConfig(t *testing.T) {
	cfg := Config{
		GeminiAPIKey: "g",
		OllamaHost:   "http://gpu:11434",
		CallTimeout:  Duration(30 * time.Second),
	}
	lc := cfg.LLMConfig()

	assert.True(t, lc.HasCredentials(llm.ProviderGemini))
	assert.False(t, lc.HasCredentials(llm.ProviderOpenAI))
	assert.Equal(t, "http://gpu:11434", lc.OllamaURL)
	assert.Equal(t, 30*time.Second, lc.CallTimeout)
}

func TestRunnerConfig(t *testing.T) {
	cfg := Config{
		ActorModels:      []string{"ollama/a", "ollama/b"},
		CriticModel:      "ollama/c",
		OutputCollection: "plans",
		BatchSize:        3,
		Retention:        Duration(2 * time.Hour),
	}
	rc := cfg.RunnerConfig()

	assert.Equal(t, types.Models{Actors: []string{"ollama/a", "ollama/b"}, Critic: "ollama/c"}, rc.Models)
	assert.Equal(t, "plans", rc.Persist.Collection)
	assert.Equal(t, 3, rc.Orchestrator.BatchSize)
	assert.Equal(t, 2*time.Hour, rc.Retention)
}
