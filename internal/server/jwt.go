package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonathan/testplan-agent/internal/config"
	"github.com/jonathan/testplan-agent/internal/server/middleware"
)

// TokenIssuer is the only issuer the API accepts.
const TokenIssuer = "testplan-agent"

// Claims carry the client that starts or manages runs in the subject, for
// example "ci" or an operator name. The subject is logged with each run.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTService mints and checks HS256 bearer tokens for the run API.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService creates a JWTService. A zero TTL uses config.DefaultTokenTTL.
func NewJWTService(cfg *config.JWTConfig) *JWTService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return &JWTService{secret: []byte(cfg.Secret), ttl: ttl, now: time.Now}
}

// GenerateToken mints a token naming subject as the calling client.
func (s *JWTService) GenerateToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is empty")
	}
	now := s.now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}}).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken accepts only unexpired HS256 tokens from TokenIssuer.
func (s *JWTService) ValidateToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errors.New("token is empty")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fmt.Errorf("invalid token signature: %w", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("token expired: %w", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	return nil, fmt.Errorf("token rejected: %w", err)
}

// AsTokenValidator adapts the service to the auth middleware.
func (s *JWTService) AsTokenValidator() middleware.TokenValidator {
	return tokenValidator{s}
}

type tokenValidator struct{ s *JWTService }

func (v tokenValidator) ValidateToken(raw string) (middleware.SubjectGetter, error) {
	claims, err := v.s.ValidateToken(raw)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
