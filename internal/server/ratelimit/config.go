package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	// Path is a route pattern. A "{name}" segment matches any single
	// segment; a trailing "/" matches any path below it.
	Path   string
	Method string
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from RATE_LIMIT_* environment
// variables.
func LoadConfig() *Config {
	return LoadConfigFrom(os.Getenv)
}

// LoadConfigFrom is LoadConfig with an explicit variable lookup.
func LoadConfigFrom(getenv func(string) string) *Config {
	e := envReader(getenv)
	if !e.bool("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    e.int("RATE_LIMIT_DEFAULT_LIMIT", 1000),
		DefaultWindow:   e.duration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		DefaultBurst:    e.int("RATE_LIMIT_DEFAULT_BURST", 0),
		CleanupInterval: e.duration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseIPList(getenv("RATE_LIMIT_WHITELIST")),
		Blacklist:       parseIPList(getenv("RATE_LIMIT_BLACKLIST")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Starting a run costs many LLM calls
		{Path: "/runs", Method: "POST", Limit: 10, Window: time.Hour, Burst: 2},
		{Path: "/runs/stream", Method: "POST", Limit: 10, Window: time.Hour, Burst: 2},

		// Lifecycle writes
		{Path: "/runs/{id}/abort", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/runs/{id}/cleanup", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/runs/{id}", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},

		// Reads use the default limit; /health and /metrics are never limited.
	}
}

// WithDefaultRate overrides the default limit with a steady rate in requests
// per second. A zero rate leaves c unchanged.
func (c *Config) WithDefaultRate(perSecond float64, burst int) *Config {
	if perSecond <= 0 {
		return c
	}
	out := *c
	out.DefaultLimit = max(1, int(perSecond*60))
	out.DefaultWindow = time.Minute
	out.DefaultBurst = burst
	return &out
}

// envReader parses typed values, falling back to the default when a
// variable is unset or malformed.
type envReader func(string) string

func (e envReader) int(key string, def int) int {
	if v, err := strconv.Atoi(e(key)); err == nil {
		return v
	}
	return def
}

func (e envReader) bool(key string, def bool) bool {
	if v, err := strconv.ParseBool(e(key)); err == nil {
		return v
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(e(key)); err == nil {
		return v
	}
	return def
}

// parseIPList parses a comma-separated list of IP addresses into a set.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
