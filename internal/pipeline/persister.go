package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/schemas"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
	rootschemas "github.com/jonathan/testplan-agent/schemas"
)

// ArtifactType tags persisted test plans in document metadata.
const ArtifactType = "test_plan"

// PersistConfig controls where and how artifacts are written.
type PersistConfig struct {
	// Collection receives generated test plans.
	Collection string `json:"collection" yaml:"collection"`
	// Prefix forms the document id "<prefix>_<run_id>".
	Prefix string `json:"prefix" yaml:"prefix"`
	// LockTTL bounds how long a crashed writer can block others.
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	// LockWait is how long to wait for another writer before giving up.
	LockWait time.Duration `json:"lock_wait" yaml:"lock_wait"`
	// PollInterval is the delay between lock attempts.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultPersistConfig returns the standard persistence settings.
func DefaultPersistConfig() PersistConfig {
	return PersistConfig{
		Collection:   "generated_test_plans",
		Prefix:       "testplan",
		LockTTL:      60 * time.Second,
		LockWait:     5 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

func (c PersistConfig) withDefaults() PersistConfig {
	d := DefaultPersistConfig()
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// PersistResult identifies the stored artifact.
type PersistResult struct {
	DocumentID string `json:"document_id"`
	Collection string `json:"collection"`
	Reused     bool   `json:"reused"`
}

// Persister writes final artifacts to the document store exactly once per run.
type Persister struct {
	docs   docstore.Store
	runs   *state.Runs
	cfg    PersistConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewPersister creates a Persister.
func NewPersister(docs docstore.Store, runs *state.Runs, cfg PersistConfig, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		docs:   docs,
		runs:   runs,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "persister"),
		now:    time.Now,
	}
}

// DocumentID is the deterministic id of a run's artifact.
func DocumentID(prefix, runID string) string {
	return prefix + "_" + runID
}

// Persist stores artifact for runID. A run that already has a generated
// document returns it with Reused set and writes nothing.
func (p *Persister) Persist(ctx context.Context, runID string, artifact types.FinalArtifact) (*PersistResult, error) {
	if res, err := p.existing(ctx, runID); err != nil || res != nil {
		return res, err
	}

	owner := uuid.NewString()
	if res, err := p.lock(ctx, runID, owner); err != nil || res != nil {
		return res, err
	}
	defer func() {
		if err := p.runs.ReleaseLock(context.WithoutCancel(ctx), runID, owner); err != nil {
			p.logger.Warn("failed to release persist lock", "run_id", runID, "error", err)
		}
	}()

	// Another writer may have finished between the first check and the lock.
	if res, err := p.existing(ctx, runID); err != nil || res != nil {
		return res, err
	}

	if err := p.docs.CreateCollection(ctx, p.cfg.Collection); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", p.cfg.Collection, err)
	}

	docID := DocumentID(p.cfg.Prefix, runID)
	meta := p.Metadata(docID, artifact)
	if err := schemas.Validate(rootschemas.ArtifactMetadata, meta); err != nil {
		return nil, fmt.Errorf("artifact metadata invalid: %w", err)
	}

	err := p.docs.AddDocuments(ctx, p.cfg.Collection, []string{docID}, []string{artifact.ConsolidatedText}, []map[string]any{meta})
	if err != nil {
		return nil, fmt.Errorf("failed to write artifact %s: %w", docID, err)
	}
	if err := p.runs.SetGeneratedDocument(ctx, runID, docID, p.cfg.Collection); err != nil {
		return nil, err
	}

	p.logger.Info("persisted test plan", "run_id", runID, "document_id", docID, "collection", p.cfg.Collection)
	return &PersistResult{DocumentID: docID, Collection: p.cfg.Collection}, nil
}

// lock acquires the run lock. If another writer holds it, lock waits and
// returns that writer's result once it appears.
func (p *Persister) lock(ctx context.Context, runID, owner string) (*PersistResult, error) {
	deadline := p.now().Add(p.cfg.LockWait)
	for {
		err := p.runs.AcquireLock(ctx, runID, owner, p.cfg.LockTTL)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, state.ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}

		if res, err := p.existing(ctx, runID); err != nil || res != nil {
			return res, err
		}
		if p.now().After(deadline) {
			return nil, fmt.Errorf("persist run %s: %w", runID, state.ErrLockHeld)
		}
	}
}

func (p *Persister) existing(ctx context.Context, runID string) (*PersistResult, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.GeneratedDocumentID == "" {
		return nil, nil
	}
	collection := run.GeneratedCollection
	if collection == "" {
		collection = p.cfg.Collection
	}
	return &PersistResult{DocumentID: run.GeneratedDocumentID, Collection: collection, Reused: true}, nil
}

// RemoveGenerated deletes the run's persisted artifact, if any, and forgets
// its id. It reports whether a document was removed.
func (p *Persister) RemoveGenerated(ctx context.Context, runID string) (bool, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.GeneratedDocumentID == "" {
		return false, nil
	}
	collection := run.GeneratedCollection
	if collection == "" {
		collection = p.cfg.Collection
	}
	if err := p.docs.RemoveDocuments(ctx, collection, []string{run.GeneratedDocumentID}); err != nil {
		return false, fmt.Errorf("failed to remove artifact %s: %w", run.GeneratedDocumentID, err)
	}
	if err := p.runs.ClearGeneratedDocument(ctx, runID); err != nil {
		return true, err
	}
	return true, nil
}

var procedureLineRe = regexp.MustCompile(`(?m)^\s*\d+\.\s+\S`)

// Metadata builds the metadata record stored next to an artifact.
func (p *Persister) Metadata(documentID string, artifact types.FinalArtifact) map[string]any {
	title := artifact.Title
	if strings.TrimSpace(title) == "" {
		title = "Test plan " + artifact.RunID
	}
	text := artifact.ConsolidatedText
	return map[string]any{
		"title":              title,
		"document_name":      title,
		"type":               ArtifactType,
		"run_id":             artifact.RunID,
		"document_id":        documentID,
		"chunk_index":        0,
		"generated_at":       p.now().UTC().Format(time.RFC3339),
		"status":             string(artifact.Status),
		"total_sections":     artifact.TotalSections,
		"total_requirements": artifact.TotalDerivedItems,
		"total_procedures":   len(procedureLineRe.FindAllStringIndex(text, -1)),
		"char_count":         utf8.RuneCountInString(text),
		"word_count":         len(strings.Fields(text)),
	}
}
