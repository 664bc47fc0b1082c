package config

import (
	"fmt"
	"time"
)

// DefaultTokenTTL is the lifetime of minted API tokens.
const DefaultTokenTTL = 24 * time.Hour

// JWTConfig signs and checks the bearer tokens that guard run creation and
// the abort, purge and cleanup routes.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// JWT returns the API token settings, or nil when jwt_secret is unset and
// the server runs without auth.
func (c *Config) JWT() (*JWTConfig, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	ttl := time.Duration(c.TokenTTL)
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	if ttl < time.Minute {
		return nil, fmt.Errorf("config error: 'token_ttl' must be at least 1m, got %s", ttl)
	}
	return &JWTConfig{Secret: c.JWTSecret, TTL: ttl}, nil
}
