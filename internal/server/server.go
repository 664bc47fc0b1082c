// Package server provides the HTTP API for starting, inspecting and
// aborting test plan runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonathan/testplan-agent/internal/config"
	"github.com/jonathan/testplan-agent/internal/consolidate"
	"github.com/jonathan/testplan-agent/internal/pipeline"
	"github.com/jonathan/testplan-agent/internal/server/middleware"
	"github.com/jonathan/testplan-agent/internal/server/ratelimit"
	"github.com/jonathan/testplan-agent/internal/types"
)

// RunService is the pipeline surface the API drives. *pipeline.Runner
// implements it.
type RunService interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Outcome
	Status(ctx context.Context, runID string) (*pipeline.StatusReport, error)
	Recent(ctx context.Context) (recent, processing []string, err error)
	Preview(ctx context.Context, runID string) (*consolidate.Partial, error)
	Abort(ctx context.Context, runID string, purge, removeGenerated bool) (*pipeline.AbortResult, error)
	Purge(ctx context.Context, runID string) (int, error)
	Cleanup(ctx context.Context, runID string) (*pipeline.CleanupResult, error)
	Models() types.Models
}

var _ RunService = (*pipeline.Runner)(nil)

// Config holds server configuration
type Config struct {
	Port   int
	Runner RunService
	// JWT enables bearer auth on mutating routes. Nil disables auth.
	JWT *config.JWTConfig
	// RateLimit defaults to ratelimit.LoadConfig().
	RateLimit *ratelimit.Config
	// Metrics serves /metrics. Defaults to the global Prometheus registry.
	Metrics http.Handler
	// Health reports backing store health for /health.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	runner      RunService
	rateLimiter *ratelimit.Limiter
	jwtService  *JWTService
	health      func(ctx context.Context) error
	logger      *slog.Logger

	// runCtx outlives requests so background runs keep going after the
	// response is written. It is cancelled on shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("server requires a runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rl := cfg.RateLimit
	if rl == nil {
		rl = ratelimit.LoadConfig()
	}

	s := &Server{
		runner:      cfg.Runner,
		rateLimiter: ratelimit.NewLimiter(rl),
		health:      cfg.Health,
		logger:      logger.With("component", "server"),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	var validator middleware.TokenValidator
	if cfg.JWT != nil {
		s.jwtService = NewJWTService(cfg.JWT)
		validator = s.jwtService.AsTokenValidator()
	}
	auth := middleware.AuthMiddleware(validator)

	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.Handle("POST /runs", auth(http.HandlerFunc(s.handleCreateRun)))
	mux.Handle("POST /runs/stream", auth(http.HandlerFunc(s.handleRunStream)))
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/sections", s.handleRunSections)
	mux.Handle("POST /runs/{id}/abort", auth(http.HandlerFunc(s.handleAbortRun)))
	mux.Handle("POST /runs/{id}/cleanup", auth(http.HandlerFunc(s.handleCleanupRun)))
	mux.Handle("DELETE /runs/{id}", auth(http.HandlerFunc(s.handleDeleteRun)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed runs can take as long as the pipeline
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully, cancels
// background runs and waits for them to record their final status.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stop() {
	s.cancelRun()
	s.runs.Wait()
	s.rateLimiter.Stop()
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, errorBody{Error: message})
}

// failWith writes err with the status HTTPStatus picks for it.
func (s *Server) failWith(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.jsonResponse(w, status, bodyFor(err))
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}

	s.logger.Warn("rate limit exceeded", "limit", info.Limit, "reset_at", info.ResetTime.Format(time.RFC3339))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
