package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/prompts"
	"github.com/jonathan/testplan-agent/internal/types"
)

// CriticConfig tunes section synthesis.
type CriticConfig struct {
	CallTimeout time.Duration
	// MaxEvidence caps how many actor results feed the prompt.
	MaxEvidence int
	// MaxEvidenceChars truncates each actor result in the prompt.
	MaxEvidenceChars int
	// MaxContentChars truncates the section excerpt in the prompt.
	MaxContentChars int
	// MaxItems caps derived items per section.
	MaxItems int
}

// DefaultCriticConfig returns the standard critic settings.
func DefaultCriticConfig() CriticConfig {
	return CriticConfig{
		CallTimeout:      90 * time.Second,
		MaxEvidence:      2,
		MaxEvidenceChars: 2000,
		MaxContentChars:  1500,
		MaxItems:         5,
	}
}

func (c CriticConfig) withDefaults() CriticConfig {
	d := DefaultCriticConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxEvidence <= 0 {
		c.MaxEvidence = d.MaxEvidence
	}
	if c.MaxEvidenceChars <= 0 {
		c.MaxEvidenceChars = d.MaxEvidenceChars
	}
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = d.MaxContentChars
	}
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	return c
}

// Critic merges actor drafts for one section into a single result.
type Critic struct {
	client  llm.Client
	model   string
	cfg     CriticConfig
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewCritic creates a Critic that queries model. logger and rec may be nil.
func NewCritic(client llm.Client, model string, cfg CriticConfig, logger *slog.Logger, rec *metrics.Recorder) *Critic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Critic{
		client:  client,
		model:   model,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "critic", "model", model),
		metrics: rec,
	}
}

// Synthesize returns nil when there is no actor evidence or the model call
// fails. A nil result is not an error for the run.
func (c *Critic) Synthesize(ctx context.Context, title, content string, results []types.ActorResult) *types.CriticResult {
	if len(results) == 0 {
		return nil
	}

	evidence := results
	if len(evidence) > c.cfg.MaxEvidence {
		evidence = evidence[:c.cfg.MaxEvidence]
	}
	var drafts strings.Builder
	for i, r := range evidence {
		fmt.Fprintf(&drafts, "Draft %d (%s):\n%s\n\n", i+1, r.AgentID, llm.Truncate(r.ExtractedText, c.cfg.MaxEvidenceChars))
	}

	prompt := prompts.Format(prompts.MustGet(prompts.AgentsFile, prompts.CriticSynthesize), map[string]string{
		"Title":    title,
		"Content":  llm.Truncate(content, c.cfg.MaxContentChars),
		"Drafts":   strings.TrimSpace(drafts.String()),
		"MaxItems": strconv.Itoa(c.cfg.MaxItems),
	})

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := c.client.Query(callCtx, c.model, prompt)
	c.metrics.LLMCall(metrics.RoleCritic, metrics.OutcomeOf(err), time.Since(start))
	if err != nil {
		c.logger.Warn("critic call failed", "section", title, "error", err)
		return nil
	}

	text = llm.CleanResponse(text)
	return &types.CriticResult{
		SectionTitle:    title,
		SynthesizedText: text,
		Dependencies:    []string{},
		Conflicts:       []string{},
		DerivedItems:    ExtractProcedures(text, c.cfg.MaxItems),
		ActorCount:      len(results),
	}
}

var numberedItemRe = regexp.MustCompile(`^(\d+)\.\s*(.*)$`)

// ExtractProcedures turns numbered lines ("1. Title: detail") into test
// procedures, keeping at most max. Bulleted or "Step N:" lines are ignored.
func ExtractProcedures(text string, max int) []types.TestProcedure {
	items := []types.TestProcedure{}
	for _, line := range strings.Split(text, "\n") {
		if max > 0 && len(items) >= max {
			break
		}
		m := numberedItemRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		title, detail, _ := strings.Cut(body, ":")
		items = append(items, types.TestProcedure{
			ID:     "TP-" + strconv.Itoa(len(items)+1),
			Title:  strings.Trim(strings.TrimSpace(title), "*_"),
			Detail: strings.TrimSpace(detail),
		})
	}
	return items
}
