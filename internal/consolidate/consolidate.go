// Package consolidate merges per-section critic results into the final test
// plan and assembles ordered documents from partial results.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/prompts"
	"github.com/jonathan/testplan-agent/internal/sections"
	"github.com/jonathan/testplan-agent/internal/types"
)

// Config tunes the final consolidation call.
type Config struct {
	CallTimeout time.Duration
	// MaxPromptChars bounds the concatenated section text sent to the model.
	MaxPromptChars int
	// MaxWords is the requested length of the final plan.
	MaxWords int
}

// DefaultConfig returns the standard consolidation settings.
func DefaultConfig() Config {
	return Config{CallTimeout: 180 * time.Second, MaxPromptChars: 8000, MaxWords: 1500}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = d.MaxPromptChars
	}
	if c.MaxWords <= 0 {
		c.MaxWords = d.MaxWords
	}
	return c
}

// Consolidator produces the final artifact for a run.
type Consolidator struct {
	client  llm.Client
	model   string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// New creates a Consolidator that queries model.
func New(client llm.Client, model string, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		client:  client,
		model:   model,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "consolidator"),
		metrics: rec,
		tracer:  otel.Tracer("github.com/jonathan/testplan-agent/consolidate"),
	}
}

// SortResults orders critic results by the numeric outline of their section
// titles; untitled or non-numeric sections keep their relative order at the
// end.
func SortResults(results []types.CriticResult) []types.CriticResult {
	return sections.SortByNumericOutline(results, func(r types.CriticResult) string { return r.SectionTitle })
}

// Consolidate merges results into one deduplicated plan. It never returns an
// error: a failed model call yields a FAILED artifact describing the failure.
func (c *Consolidator) Consolidate(ctx context.Context, runID string, results []types.CriticResult, title string) types.FinalArtifact {
	ctx, span := c.tracer.Start(ctx, "consolidate.final", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("sections", len(results)),
	))
	defer span.End()

	ordered := SortResults(results)
	artifact := types.FinalArtifact{
		Title:             title,
		RunID:             runID,
		TotalSections:     len(ordered),
		TotalDerivedItems: types.CountDerivedItems(ordered),
		SectionTitles:     titlesOf(ordered),
	}

	if len(ordered) == 0 {
		artifact.Status = types.RunFailed
		artifact.ConsolidatedText = "Final consolidation skipped: no section produced a result."
		span.SetStatus(codes.Error, "no sections")
		return artifact
	}

	prompt := prompts.Format(prompts.MustGet(prompts.AgentsFile, prompts.FinalConsolidate), map[string]string{
		"Title":    title,
		"Sections": llm.Truncate(sectionBodies(ordered), c.cfg.MaxPromptChars),
		"MaxWords": strconv.Itoa(c.cfg.MaxWords),
	})

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := c.client.Query(callCtx, c.model, prompt)
	c.metrics.LLMCall(metrics.RoleFinal, metrics.OutcomeOf(err), time.Since(start))

	if err != nil {
		c.logger.Error("final consolidation failed", "run_id", runID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		artifact.Status = types.RunFailed
		artifact.ConsolidatedText = fmt.Sprintf("Final consolidation failed: %v\n\nSection results collected before the failure:\n\n%s",
			err, Assemble(title, ordered))
		return artifact
	}

	artifact.Status = types.RunCompleted
	artifact.ConsolidatedText = Dedupe(llm.CleanResponse(text))
	return artifact
}

// sectionBodies renders results as "## title" blocks in the given order.
func sectionBodies(results []types.CriticResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "## %s\n%s\n\n", r.SectionTitle, strings.TrimSpace(r.SynthesizedText))
	}
	return strings.TrimSpace(b.String())
}

func titlesOf(results []types.CriticResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.SectionTitle
	}
	return out
}
