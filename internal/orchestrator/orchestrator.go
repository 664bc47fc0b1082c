// Package orchestrator drives the actor and critic agents over every section
// of a run in bounded concurrent batches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/testplan-agent/internal/agents"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
	"github.com/jonathan/testplan-agent/internal/workpool"
)

// Config bounds batch concurrency and waiting.
type Config struct {
	// BatchSize is the number of sections in flight per batch.
	BatchSize int
	// MaxWorkers caps goroutines per batch.
	MaxWorkers int
	// SectionBudget is multiplied by the batch size to give the batch timeout.
	SectionBudget time.Duration
}

// DefaultConfig returns the standard orchestration settings.
func DefaultConfig() Config {
	return Config{BatchSize: 8, MaxWorkers: 32, SectionBudget: 180 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.SectionBudget <= 0 {
		c.SectionBudget = d.SectionBudget
	}
	return c
}

// SectionUpdate reports a section reaching a final status.
type SectionUpdate struct {
	RunID     string
	Index     int
	Title     string
	Status    types.SectionStatus
	Processed int64
}

// Options carries optional collaborators.
type Options struct {
	Config    Config
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	OnSection func(SectionUpdate)
}

// Orchestrator processes sections for one run configuration.
type Orchestrator struct {
	runs        *state.Runs
	actors      *agents.ActorPool
	critic      *agents.Critic
	actorModels []string
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Recorder
	onSection   func(SectionUpdate)
	tracer      trace.Tracer
}

// New creates an Orchestrator.
func New(runs *state.Runs, actors *agents.ActorPool, critic *agents.Critic, actorModels []string, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runs:        runs,
		actors:      actors,
		critic:      critic,
		actorModels: actorModels,
		cfg:         opts.Config.withDefaults(),
		logger:      logger.With("component", "orchestrator"),
		metrics:     opts.Metrics,
		onSection:   opts.OnSection,
		tracer:      otel.Tracer("github.com/jonathan/testplan-agent/orchestrator"),
	}
}

// ProcessAll runs every section through actors and critic, batch by batch.
// The abort flag is checked before each submission; once set, every section
// not yet submitted is marked ABORTED and no new work starts. Results are
// returned in completion order.
func (o *Orchestrator) ProcessAll(ctx context.Context, runID string, sections []types.Section) []types.CriticResult {
	var results []types.CriticResult

	for start := 0; start < len(sections); start += o.cfg.BatchSize {
		batch := sections[start:min(start+o.cfg.BatchSize, len(sections))]
		group := workpool.New[*types.CriticResult](ctx, min(len(batch), o.cfg.MaxWorkers), len(batch))

		stopped := false
		for i, sec := range batch {
			if o.aborted(ctx, runID) {
				o.abortRemaining(ctx, runID, sections[start+i:])
				stopped = true
				break
			}
			_ = group.Go(func(ctx context.Context) (*types.CriticResult, error) {
				return o.processSection(ctx, runID, sec), nil
			})
		}

		timeout := o.cfg.SectionBudget * time.Duration(len(batch))
		h := group.Wait(timeout)
		for _, res := range h.Values {
			if res != nil {
				results = append(results, *res)
			}
		}
		if h.TimedOut > 0 {
			o.logger.Warn("batch timed out, continuing with completed sections",
				"run_id", runID, "batch_start", start, "timed_out", h.TimedOut, "timeout", timeout)
		}
		if stopped {
			o.logger.Info("abort requested, stopped submitting sections", "run_id", runID, "at_index", start)
			break
		}
	}
	return results
}

// processSection never returns an error: any failure marks the section
// FAILED and yields nil.
func (o *Orchestrator) processSection(ctx context.Context, runID string, sec types.Section) (result *types.CriticResult) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.section", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("section.index", sec.Index),
		attribute.String("section.title", sec.Title),
	))
	defer span.End()

	// State writes outlive batch cancellation so timed-out sections still
	// record their outcome.
	stateCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("section panicked", "run_id", runID, "section", sec.Title, "panic", r)
			span.SetStatus(codes.Error, "panic")
			o.finish(stateCtx, runID, sec, types.SectionFailed, 0)
			result = nil
		}
	}()

	if o.aborted(ctx, runID) {
		o.finish(stateCtx, runID, sec, types.SectionAborted, 0)
		return nil
	}
	if err := o.runs.SetSectionStatus(stateCtx, runID, sec.Index, types.SectionProcessing); err != nil {
		o.logger.Warn("failed to mark section processing", "run_id", runID, "section", sec.Title, "error", err)
		o.finish(stateCtx, runID, sec, types.SectionFailed, 0)
		return nil
	}

	actorResults := o.actors.RunActors(ctx, sec.Title, sec.Content, o.actorModels)
	if len(actorResults) > 0 {
		if err := o.runs.SaveActorResults(stateCtx, runID, sec.Index, actorResults); err != nil {
			if errors.Is(err, state.ErrRunNotFound) {
				o.purged(runID, sec)
				return nil
			}
			o.logger.Warn("failed to store actor results", "run_id", runID, "section", sec.Title, "error", err)
		}
	}

	res := o.critic.Synthesize(ctx, sec.Title, sec.Content, actorResults)
	if res == nil {
		span.SetStatus(codes.Error, "no critic result")
		o.finish(stateCtx, runID, sec, types.SectionFailed, 0)
		return nil
	}
	res.SectionIndex = sec.Index
	for i := range res.DerivedItems {
		res.DerivedItems[i].ID = fmt.Sprintf("TP-%d.%d", sec.Index+1, i+1)
	}

	// In-flight work finishes after an abort, but a purged run stays purged:
	// the guarded writes below refuse to recreate its keys.
	if err := o.runs.SaveCriticResult(stateCtx, runID, sec.Index, res); err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			o.purged(runID, sec)
			return res
		}
		o.logger.Warn("failed to store critic result", "run_id", runID, "section", sec.Title, "error", err)
		span.RecordError(err)
		o.finish(stateCtx, runID, sec, types.SectionFailed, 0)
		return nil
	}
	processed, err := o.runs.IncrementProcessed(stateCtx, runID)
	if errors.Is(err, state.ErrRunNotFound) {
		o.purged(runID, sec)
		return res
	}
	if err != nil {
		o.logger.Warn("failed to increment processed count", "run_id", runID, "error", err)
	}
	o.finish(stateCtx, runID, sec, types.SectionCompleted, processed)
	span.SetAttributes(attribute.Int("section.derived_items", len(res.DerivedItems)))
	return res
}

func (o *Orchestrator) finish(ctx context.Context, runID string, sec types.Section, status types.SectionStatus, processed int64) {
	if err := o.runs.SetSectionStatus(ctx, runID, sec.Index, status); err != nil {
		o.logger.Warn("failed to set section status", "run_id", runID, "section", sec.Title, "status", status, "error", err)
	}
	o.report(runID, sec, status, processed)
}

// purged reports a section whose run state was deleted while it was in
// flight. Nothing is written back.
func (o *Orchestrator) purged(runID string, sec types.Section) {
	o.logger.Info("run purged while section was in flight", "run_id", runID, "section", sec.Title)
	o.report(runID, sec, types.SectionAborted, 0)
}

func (o *Orchestrator) report(runID string, sec types.Section, status types.SectionStatus, processed int64) {
	o.metrics.SectionFinished(string(status))
	if o.onSection != nil {
		o.onSection(SectionUpdate{RunID: runID, Index: sec.Index, Title: sec.Title, Status: status, Processed: processed})
	}
}

func (o *Orchestrator) abortRemaining(ctx context.Context, runID string, remaining []types.Section) {
	for _, sec := range remaining {
		o.finish(ctx, runID, sec, types.SectionAborted, 0)
	}
}

// aborted treats a failed flag read as not aborted.
func (o *Orchestrator) aborted(ctx context.Context, runID string) bool {
	ok, err := o.runs.IsAborted(ctx, runID)
	if err != nil {
		o.logger.Warn("failed to read abort flag", "run_id", runID, "error", err)
		return false
	}
	return ok
}
