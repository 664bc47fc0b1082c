// Package pipeline provides the high-level orchestration for test plan
// generation: model resolution, section extraction, actor/critic processing,
// consolidation, persistence and retention.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/testplan-agent/internal/agents"
	"github.com/jonathan/testplan-agent/internal/consolidate"
	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/events"
	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/orchestrator"
	"github.com/jonathan/testplan-agent/internal/pipeline/steps"
	"github.com/jonathan/testplan-agent/internal/sections"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
)

// DefaultFallbackModel is a local model used when configured models are
// unavailable.
const DefaultFallbackModel = "ollama/llama3.1"

// Config holds runner settings. Zero values use package defaults.
type Config struct {
	Models        types.Models
	FallbackModel string
	ProbeAttempts int
	ProbeInterval time.Duration
	// Retention is the TTL applied to every run key at the end of a run.
	Retention time.Duration

	Extract      sections.Options
	Actor        agents.ActorConfig
	Critic       agents.CriticConfig
	Orchestrator orchestrator.Config
	Consolidate  consolidate.Config
	Persist      PersistConfig
}

func (c Config) withDefaults() Config {
	if c.FallbackModel == "" {
		c.FallbackModel = DefaultFallbackModel
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = state.DefaultRetention
	}
	if len(c.Models.Actors) == 0 {
		c.Models.Actors = []string{c.FallbackModel}
	}
	if c.Models.Critic == "" {
		c.Models.Critic = c.Models.Actors[0]
	}
	if c.Models.FinalCritic == "" {
		c.Models.FinalCritic = c.Models.Critic
	}
	c.Persist = c.Persist.withDefaults()
	return c
}

// Deps are the collaborators a Runner needs. Logger, Metrics and Events are
// optional.
type Deps struct {
	Runs      *state.Runs
	Docs      docstore.Store
	LLM       llm.Client
	LLMConfig *llm.Config
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Events    *events.Publisher
}

// Request describes one run.
type Request struct {
	// RunID is generated when empty.
	RunID  string
	Title  string
	Source sections.Source
	// Models overrides the configured models when non-nil.
	Models *types.Models
	// PurgeOnAbort deletes run state (except the abort flag) when the run
	// is aborted.
	PurgeOnAbort bool
	OnProgress   ProgressCallback
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID     string               `json:"run_id"`
	Status    types.RunStatus      `json:"status"`
	Artifact  types.FinalArtifact  `json:"artifact"`
	Persisted *PersistResult       `json:"persisted,omitempty"`
	Fallback  *types.ModelFallback `json:"model_fallback,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Runner executes pipeline runs.
type Runner struct {
	runs      *state.Runs
	docs      docstore.Store
	llm       llm.Client
	llmConfig *llm.Config
	cfg       Config
	extractor *sections.Extractor
	persister *Persister
	logger    *slog.Logger
	metrics   *metrics.Recorder
	events    *events.Publisher
	tracer    trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, cfg Config) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	llmConfig := deps.LLMConfig
	if llmConfig == nil {
		llmConfig = llm.DefaultConfig()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		runs:      deps.Runs,
		docs:      deps.Docs,
		llm:       deps.LLM,
		llmConfig: llmConfig,
		cfg:       cfg,
		extractor: sections.NewExtractor(deps.Docs, cfg.Extract, logger),
		persister: NewPersister(deps.Docs, deps.Runs, cfg.Persist, logger),
		logger:    logger.With("component", "pipeline"),
		metrics:   deps.Metrics,
		events:    deps.Events,
		tracer:    otel.Tracer("github.com/jonathan/testplan-agent/pipeline"),
	}
}

// Persister exposes the runner's artifact persister.
func (r *Runner) Persister() *Persister { return r.persister }

// Extractor exposes the runner's section extractor.
func (r *Runner) Extractor() *sections.Extractor { return r.extractor }

// Run executes a full run and always returns a terminal outcome. Failures
// after the run record exists are recorded on it, and retention is applied
// to the run's keys whatever the outcome.
func (r *Runner) Run(ctx context.Context, req Request) (out Outcome) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	em := emitter{runID: runID, callback: req.OnProgress, publisher: r.events}
	requested := r.cfg.Models
	if req.Models != nil {
		requested = *req.Models
	}

	r.metrics.RunStarted()
	defer func() {
		r.metrics.RunFinished(string(out.Status))
		span.SetAttributes(attribute.String("status", string(out.Status)))
		if out.Status != types.RunCompleted {
			span.SetStatus(codes.Error, string(out.Status))
		}
	}()

	run := &types.Run{
		ID:                 runID,
		Title:              req.Title,
		Status:             types.RunInitializing,
		ActorModelIDs:      requested.Actors,
		CriticModelID:      requested.Critic,
		FinalCriticModelID: requested.FinalCritic,
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		r.logger.Error("failed to create run", "run_id", runID, "error", err)
		return r.failedOutcome(runID, req.Title, fmt.Errorf("create run: %w", err))
	}

	defer func() {
		em.stepStarted(steps.Retention)
		if err := r.runs.ApplyRetention(context.WithoutCancel(ctx), runID, r.cfg.Retention); err != nil {
			r.logger.Warn("failed to apply retention", "run_id", runID, "error", err)
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "run_id", runID, "panic", p)
			out = r.fail(ctx, runID, req.Title, fmt.Errorf("panic: %v", p))
		}
	}()

	out, err := r.execute(ctx, runID, req, requested, em)
	if err != nil {
		r.logger.Error("run failed", "run_id", runID, "error", err)
		span.RecordError(err)
		fallback := out.Fallback
		out = r.fail(ctx, runID, req.Title, err)
		out.Fallback = fallback
	}
	em.emit("done", CategoryResult, fmt.Sprintf("Run %s finished with status %s", runID, out.Status), out)
	return out
}

// execute runs steps 1 to 6. A returned error means the run must be failed.
func (r *Runner) execute(ctx context.Context, runID string, req Request, requested types.Models, em emitter) (Outcome, error) {
	tracker := steps.NewTracker()
	out := Outcome{RunID: runID}

	// Step 1: resolve models
	em.stepStarted(steps.ResolveModels)
	models, fallback := r.resolveModels(ctx, requested)
	out.Fallback = fallback
	if err := r.runs.SetModels(ctx, runID, models, fallback); err != nil {
		return out, err
	}
	if fallback != nil {
		em.emit(steps.ResolveModels, CategoryModel, "Using fallback model "+fallback.Model, fallback)
	}
	tracker.Done(steps.ResolveModels)

	// Step 2: extract sections
	if err := tracker.Start(steps.ExtractSections); err != nil {
		return out, err
	}
	em.stepStarted(steps.ExtractSections)
	secs, err := r.extract(ctx, req.Source)
	if err != nil {
		return out, err
	}
	if len(secs) == 0 {
		return r.fallbackOutcome(ctx, runID, req, out), nil
	}
	secs = sections.SortSections(secs)
	em.emit(steps.ExtractSections, CategoryStep, fmt.Sprintf("Extracted %d sections", len(secs)), sectionTitles(secs))
	tracker.Done(steps.ExtractSections)

	// Step 3: initialize run state
	if err := tracker.Start(steps.InitRun); err != nil {
		return out, err
	}
	em.stepStarted(steps.InitRun)
	if err := r.runs.InitSections(ctx, runID, secs); err != nil {
		return out, err
	}
	if r.aborted(ctx, runID) {
		return r.abortOutcome(ctx, runID, req, len(secs), nil, out), nil
	}
	if err := r.runs.Transition(ctx, runID, types.RunProcessing); err != nil {
		if r.aborted(ctx, runID) {
			return r.abortOutcome(ctx, runID, req, len(secs), nil, out), nil
		}
		return out, err
	}
	tracker.Done(steps.InitRun)

	// Step 4: process sections
	if err := tracker.Start(steps.ProcessSections); err != nil {
		return out, err
	}
	em.stepStarted(steps.ProcessSections)
	actors := agents.NewActorPool(r.llm, r.cfg.Actor, r.logger, r.metrics)
	critic := agents.NewCritic(r.llm, models.Critic, r.cfg.Critic, r.logger, r.metrics)
	orch := orchestrator.New(r.runs, actors, critic, models.Actors, orchestrator.Options{
		Config:  r.cfg.Orchestrator,
		Logger:  r.logger,
		Metrics: r.metrics,
		OnSection: func(u orchestrator.SectionUpdate) {
			em.emit(steps.ProcessSections, CategorySection, fmt.Sprintf("%s: %s", u.Title, u.Status), u)
		},
	})
	results := orch.ProcessAll(ctx, runID, secs)
	tracker.Done(steps.ProcessSections)

	if r.aborted(ctx, runID) {
		return r.abortOutcome(ctx, runID, req, len(secs), results, out), nil
	}

	// Step 5: consolidate
	if err := tracker.Start(steps.Consolidate); err != nil {
		return out, err
	}
	em.stepStarted(steps.Consolidate)
	consolidator := consolidate.New(r.llm, models.FinalCritic, r.cfg.Consolidate, r.logger, r.metrics)
	artifact := consolidator.Consolidate(ctx, runID, results, req.Title)
	out.Artifact = artifact
	tracker.Done(steps.Consolidate)

	if artifact.Status != types.RunCompleted {
		out.Status = types.RunFailed
		out.Error = "final consolidation failed"
		if err := r.runs.Fail(ctx, runID, out.Error); err != nil {
			out.Status = r.settle(ctx, runID, types.RunFailed, err)
		}
		return out, nil
	}

	// Step 6: persist
	if err := tracker.Start(steps.Persist); err != nil {
		return out, err
	}
	em.stepStarted(steps.Persist)
	persisted, err := r.persister.Persist(ctx, runID, artifact)
	if err != nil {
		return out, fmt.Errorf("persist artifact: %w", err)
	}
	out.Persisted = persisted
	tracker.Done(steps.Persist)

	out.Status = types.RunCompleted
	if err := r.runs.Transition(ctx, runID, types.RunCompleted); err != nil {
		out.Status = r.settle(ctx, runID, types.RunCompleted, err)
	}
	out.Artifact.Status = out.Status
	return out, nil
}

// extract runs the normal extraction and, when it yields nothing, the last
// resort pass.
func (r *Runner) extract(ctx context.Context, src sections.Source) ([]types.Section, error) {
	secs, err := r.extractor.Extract(ctx, src)
	if err != nil {
		r.logger.Warn("section extraction failed", "collection", src.Collection, "error", err)
	}
	if len(secs) > 0 {
		return secs, nil
	}
	r.logger.Info("no sections extracted, trying last resort", "collection", src.Collection)
	secs, err = r.extractor.LastResort(ctx, src)
	if err != nil {
		r.logger.Warn("last resort extraction failed", "collection", src.Collection, "error", err)
		return nil, nil
	}
	return secs, nil
}

// fallbackOutcome handles runs with nothing to process: FALLBACK status and a
// persisted placeholder artifact.
func (r *Runner) fallbackOutcome(ctx context.Context, runID string, req Request, out Outcome) Outcome {
	what := "collection " + req.Source.Collection
	if len(req.Source.DocumentIDs) > 0 {
		what = fmt.Sprintf("documents %s in %s", strings.Join(req.Source.DocumentIDs, ", "), what)
	}
	out.Status = types.RunFallback
	out.Artifact = types.FinalArtifact{
		Title:            req.Title,
		RunID:            runID,
		Status:           types.RunFallback,
		ConsolidatedText: fmt.Sprintf("No test plan could be generated: no usable sections were extracted from %s.", what),
	}
	if err := r.runs.Transition(ctx, runID, types.RunFallback); err != nil {
		out.Status = r.settle(ctx, runID, types.RunFallback, err)
		out.Artifact.Status = out.Status
	}

	persisted, err := r.persister.Persist(ctx, runID, out.Artifact)
	if err != nil {
		r.logger.Warn("failed to persist placeholder artifact", "run_id", runID, "error", err)
		out.Error = err.Error()
	}
	out.Persisted = persisted
	return out
}

// abortOutcome builds the partial artifact of an aborted run and purges its
// state when requested. The abort flag itself is kept.
func (r *Runner) abortOutcome(ctx context.Context, runID string, req Request, total int, results []types.CriticResult, out Outcome) Outcome {
	stateCtx := context.WithoutCancel(ctx)
	err := r.runs.Transition(stateCtx, runID, types.RunAborted)
	if err != nil && !errors.Is(err, state.ErrIllegalTransition) && !errors.Is(err, state.ErrRunNotFound) {
		r.logger.Warn("failed to mark run aborted", "run_id", runID, "error", err)
	}
	if stored, err := r.runs.CriticResults(stateCtx, runID); err == nil && len(stored) > len(results) {
		results = stored
	}
	out.Status = types.RunAborted
	out.Artifact = consolidate.PartialArtifact(runID, req.Title, total, results, types.RunAborted)

	if req.PurgeOnAbort {
		n, err := r.runs.Purge(stateCtx, runID, r.runs.AbortKey(runID))
		if err != nil {
			r.logger.Warn("failed to purge aborted run", "run_id", runID, "error", err)
		} else {
			r.logger.Info("purged aborted run", "run_id", runID, "keys", n)
		}
	}
	return out
}

// fail records err on the run and returns a FAILED outcome.
func (r *Runner) fail(ctx context.Context, runID, title string, err error) Outcome {
	out := r.failedOutcome(runID, title, err)
	if ferr := r.runs.Fail(context.WithoutCancel(ctx), runID, err.Error()); ferr != nil {
		out.Status = r.settle(ctx, runID, types.RunFailed, ferr)
		out.Artifact.Status = out.Status
	}
	return out
}

func (r *Runner) failedOutcome(runID, title string, err error) Outcome {
	return Outcome{
		RunID:  runID,
		Status: types.RunFailed,
		Error:  err.Error(),
		Artifact: types.FinalArtifact{
			Title:            title,
			RunID:            runID,
			Status:           types.RunFailed,
			ConsolidatedText: "Run failed: " + err.Error(),
		},
	}
}

// settle resolves a rejected terminal transition by reporting the status the
// run actually reached, typically ABORTED from a concurrent abort.
func (r *Runner) settle(ctx context.Context, runID string, want types.RunStatus, err error) types.RunStatus {
	run, gerr := r.runs.GetRun(context.WithoutCancel(ctx), runID)
	if gerr != nil || !run.Status.IsTerminal() {
		r.logger.Warn("failed to set run status", "run_id", runID, "status", want, "error", err)
		return want
	}
	if run.Status != want {
		r.logger.Info("run already terminal", "run_id", runID, "status", run.Status, "wanted", want)
	}
	return run.Status
}

func (r *Runner) aborted(ctx context.Context, runID string) bool {
	ok, err := r.runs.IsAborted(ctx, runID)
	if err != nil {
		r.logger.Warn("failed to read abort flag", "run_id", runID, "error", err)
		return false
	}
	return ok
}

func sectionTitles(secs []types.Section) []string {
	out := make([]string, len(secs))
	for i, s := range secs {
		out[i] = s.Title
	}
	return out
}
