// Package agents implements the actor and critic LLM roles applied to each
// document section.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/prompts"
	"github.com/jonathan/testplan-agent/internal/types"
	"github.com/jonathan/testplan-agent/internal/workpool"
)

// ActorConfig tunes the actor fan-out.
type ActorConfig struct {
	// PoolCap bounds concurrent actor calls per section.
	PoolCap int
	// CallTimeout bounds one actor call.
	CallTimeout time.Duration
	// CollectionTimeout bounds waiting for all actors of a section.
	CollectionTimeout time.Duration
	// MaxContentChars truncates section content in the prompt.
	MaxContentChars int
	MaxBullets      int
	MaxSteps        int
}

// DefaultActorConfig returns the standard actor settings.
func DefaultActorConfig() ActorConfig {
	return ActorConfig{
		PoolCap:           2,
		CallTimeout:       60 * time.Second,
		CollectionTimeout: 120 * time.Second,
		MaxContentChars:   3000,
		MaxBullets:        5,
		MaxSteps:          5,
	}
}

func (c ActorConfig) withDefaults() ActorConfig {
	d := DefaultActorConfig()
	if c.PoolCap <= 0 {
		c.PoolCap = d.PoolCap
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CollectionTimeout <= 0 {
		c.CollectionTimeout = d.CollectionTimeout
	}
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = d.MaxContentChars
	}
	if c.MaxBullets <= 0 {
		c.MaxBullets = d.MaxBullets
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	return c
}

// ActorPool runs several actor calls over one section concurrently.
type ActorPool struct {
	client  llm.Client
	cfg     ActorConfig
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewActorPool creates an ActorPool. logger and rec may be nil.
func NewActorPool(client llm.Client, cfg ActorConfig, logger *slog.Logger, rec *metrics.Recorder) *ActorPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActorPool{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "actor_pool"),
		metrics: rec,
	}
}

// RunActors asks every model in modelIDs to extract test items from the
// section. Failed and timed-out actors contribute nothing; the successful
// results are returned in completion order.
func (p *ActorPool) RunActors(ctx context.Context, title, content string, modelIDs []string) []types.ActorResult {
	if len(modelIDs) == 0 {
		return nil
	}
	prompt := prompts.Format(prompts.MustGet(prompts.AgentsFile, prompts.ActorExtract), map[string]string{
		"Title":      title,
		"Content":    llm.Truncate(content, p.cfg.MaxContentChars),
		"MaxBullets": strconv.Itoa(p.cfg.MaxBullets),
		"MaxSteps":   strconv.Itoa(p.cfg.MaxSteps),
	})

	workers := min(p.cfg.PoolCap, len(modelIDs))
	group := workpool.New[types.ActorResult](ctx, workers, len(modelIDs))
	for i, model := range modelIDs {
		agentID := fmt.Sprintf("actor-%d", i+1)
		_ = group.Go(func(ctx context.Context) (types.ActorResult, error) {
			return p.runOne(ctx, agentID, model, title, prompt)
		})
	}

	h := group.Wait(p.cfg.CollectionTimeout)
	if h.TimedOut > 0 {
		p.logger.Warn("actor collection timed out, using partial results",
			"section", title, "completed", len(h.Values), "timed_out", h.TimedOut)
	}
	return h.Values
}

func (p *ActorPool) runOne(ctx context.Context, agentID, model, title, prompt string) (types.ActorResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.client.Query(callCtx, model, prompt)
	elapsed := time.Since(start)
	p.metrics.LLMCall(metrics.RoleActor, metrics.OutcomeOf(err), elapsed)
	if err != nil {
		p.logger.Warn("actor call failed", "section", title, "agent", agentID, "model", model, "error", err)
		return types.ActorResult{}, err
	}

	return types.ActorResult{
		AgentID:        agentID,
		ModelID:        model,
		SectionTitle:   title,
		ExtractedText:  llm.CleanResponse(text),
		ProcessingTime: elapsed,
	}, nil
}
