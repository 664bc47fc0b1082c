package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jonathan/testplan-agent/internal/types"
)

// Default key settings
const (
	DefaultPrefix     = "testplan"
	DefaultSectionTTL = 24 * time.Hour
	DefaultRetention  = 7 * 24 * time.Hour

	// maxStoredActorText caps each actor output kept for inspection.
	maxStoredActorText = 2000
	casRetries         = 5
)

// Meta hash fields
const (
	fieldRunID             = "run_id"
	fieldTitle             = "title"
	fieldStatus            = "status"
	fieldTotalSections     = "total_sections"
	fieldSectionsProcessed = "sections_processed"
	fieldActorModels       = "actor_model_ids"
	fieldCriticModel       = "critic_model_id"
	fieldFinalCriticModel  = "final_critic_model_id"
	fieldCreatedAt         = "created_at"
	fieldCompletedAt       = "completed_at"
	fieldGeneratedDocID    = "generated_document_id"
	fieldGeneratedColl     = "generated_collection"
	fieldFallbackModel     = "fallback_model"
	fieldFallbackReason    = "fallback_reason"
	fieldError             = "error"

	fieldIndex   = "index"
	fieldContent = "content"
)

// Runs is a typed repository over Store for run and section records.
type Runs struct {
	store      Store
	prefix     string
	sectionTTL time.Duration
	now        func() time.Time
}

// NewRuns creates a Runs repository. Empty prefix and non-positive TTL use
// the package defaults.
func NewRuns(store Store, prefix string, sectionTTL time.Duration) *Runs {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if sectionTTL <= 0 {
		sectionTTL = DefaultSectionTTL
	}
	return &Runs{store: store, prefix: prefix, sectionTTL: sectionTTL, now: time.Now}
}

// Store returns the underlying key-value store.
func (r *Runs) Store() Store { return r.store }

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

func (r *Runs) runKey(runID, suffix string) string {
	return fmt.Sprintf("%s:run:%s:%s", r.prefix, runID, suffix)
}

// MetaKey is the hash holding run metadata.
func (r *Runs) MetaKey(runID string) string { return r.runKey(runID, "meta") }

// SectionKey is the hash holding one section's record.
func (r *Runs) SectionKey(runID string, index int) string {
	return r.runKey(runID, "section:"+strconv.Itoa(index))
}

// CriticKey holds one section's critic result as JSON.
func (r *Runs) CriticKey(runID string, index int) string {
	return r.runKey(runID, "critic:"+strconv.Itoa(index))
}

// ActorsKey holds one section's truncated actor results as JSON.
func (r *Runs) ActorsKey(runID string, index int) string {
	return r.runKey(runID, "actors:"+strconv.Itoa(index))
}

// AbortKey is the run's abort flag.
func (r *Runs) AbortKey(runID string) string { return r.runKey(runID, "abort") }

// LockKey guards persistence of the run's artifact.
func (r *Runs) LockKey(runID string) string { return r.runKey(runID, "lock") }

func (r *Runs) recentKey() string     { return r.prefix + ":runs:recent" }
func (r *Runs) processingKey() string { return r.prefix + ":runs:processing" }

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// CreateRun writes the initial metadata record and indexes the run as recent.
func (r *Runs) CreateRun(ctx context.Context, run *types.Run) error {
	if run.Status == "" {
		run.Status = types.RunInitializing
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now().UTC()
	}
	actors, err := json.Marshal(run.ActorModelIDs)
	if err != nil {
		return fmt.Errorf("failed to encode actor models: %w", err)
	}

	fields := map[string]any{
		fieldRunID:             run.ID,
		fieldTitle:             run.Title,
		fieldStatus:            string(run.Status),
		fieldTotalSections:     run.TotalSections,
		fieldSectionsProcessed: run.SectionsProcessed,
		fieldActorModels:       string(actors),
		fieldCriticModel:       run.CriticModelID,
		fieldFinalCriticModel:  run.FinalCriticModelID,
		fieldCreatedAt:         run.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := r.store.SetFields(ctx, r.MetaKey(run.ID), fields); err != nil {
		return wrap("create run", err)
	}
	return wrap("index run", r.store.AddToSet(ctx, r.recentKey(), run.ID))
}

// GetRun loads run metadata.
func (r *Runs) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	fields, err := r.store.GetFields(ctx, r.MetaKey(runID))
	if err != nil {
		return nil, wrap("load run", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return decodeRun(runID, fields)
}

func decodeRun(runID string, f map[string]string) (*types.Run, error) {
	run := &types.Run{
		ID:                  runID,
		Title:               f[fieldTitle],
		CriticModelID:       f[fieldCriticModel],
		FinalCriticModelID:  f[fieldFinalCriticModel],
		GeneratedDocumentID: f[fieldGeneratedDocID],
		GeneratedCollection: f[fieldGeneratedColl],
		Error:               f[fieldError],
	}

	// A hash without a status is a stray write landing after a purge.
	if f[fieldStatus] == "" {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	status, err := types.ParseRunStatus(f[fieldStatus])
	if err != nil {
		return nil, err
	}
	run.Status = status
	run.TotalSections, _ = strconv.Atoi(f[fieldTotalSections])
	run.SectionsProcessed, _ = strconv.Atoi(f[fieldSectionsProcessed])

	if raw := f[fieldActorModels]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.ActorModelIDs); err != nil {
			return nil, fmt.Errorf("failed to decode actor models: %w", err)
		}
	}
	if ts := f[fieldCreatedAt]; ts != "" {
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if ts := f[fieldCompletedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			run.CompletedAt = &t
		}
	}
	if model := f[fieldFallbackModel]; model != "" {
		run.ModelFallback = &types.ModelFallback{Model: model, Reason: f[fieldFallbackReason]}
	}
	return run, nil
}

// Transition moves a run to the next status, validating against the run state
// machine. Concurrent writers are serialised with a compare-and-set on the
// status field.
func (r *Runs) Transition(ctx context.Context, runID string, to types.RunStatus) error {
	key := r.MetaKey(runID)
	for attempt := 0; attempt < casRetries; attempt++ {
		fields, err := r.store.GetFields(ctx, key)
		if err != nil {
			return wrap("load run status", err)
		}
		if fields[fieldStatus] == "" {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		from, err := types.ParseRunStatus(fields[fieldStatus])
		if err != nil {
			return err
		}
		if from == to {
			return nil
		}
		if !from.CanTransitionTo(to) {
			return &TransitionError{Key: key, From: string(from), To: string(to)}
		}

		ok, err := r.store.CompareAndSetField(ctx, key, fieldStatus, string(from), string(to))
		if err != nil {
			return wrap("update run status", err)
		}
		if !ok {
			continue
		}
		return r.afterTransition(ctx, runID, to)
	}
	return &Error{Message: fmt.Sprintf("run %s status contended", runID)}
}

func (r *Runs) afterTransition(ctx context.Context, runID string, to types.RunStatus) error {
	if to == types.RunProcessing {
		return wrap("index processing run", r.store.AddToSet(ctx, r.processingKey(), runID))
	}
	if !to.IsTerminal() {
		return nil
	}
	if err := r.store.RemoveFromSet(ctx, r.processingKey(), runID); err != nil {
		return wrap("unindex processing run", err)
	}
	return wrap("set completed_at", r.store.SetFields(ctx, r.MetaKey(runID), map[string]any{
		fieldCompletedAt: r.now().UTC().Format(time.RFC3339Nano),
	}))
}

// Fail records msg as the run error and transitions it to FAILED.
func (r *Runs) Fail(ctx context.Context, runID, msg string) error {
	if err := r.store.SetFields(ctx, r.MetaKey(runID), map[string]any{fieldError: msg}); err != nil {
		return wrap("record run error", err)
	}
	return r.Transition(ctx, runID, types.RunFailed)
}

// SetModels records the models the run actually uses, plus any fallback.
func (r *Runs) SetModels(ctx context.Context, runID string, models types.Models, fallback *types.ModelFallback) error {
	actors, err := json.Marshal(models.Actors)
	if err != nil {
		return err
	}
	fields := map[string]any{
		fieldActorModels:      string(actors),
		fieldCriticModel:      models.Critic,
		fieldFinalCriticModel: models.FinalCritic,
	}
	if fallback != nil {
		fields[fieldFallbackModel] = fallback.Model
		fields[fieldFallbackReason] = fallback.Reason
	}
	return wrap("set models", r.store.SetFields(ctx, r.MetaKey(runID), fields))
}

// IncrementProcessed atomically bumps sections_processed. It returns
// ErrRunNotFound once the run has been purged.
func (r *Runs) IncrementProcessed(ctx context.Context, runID string) (int64, error) {
	n, found, err := r.store.IncrementFieldIfExists(ctx, r.MetaKey(runID), fieldSectionsProcessed, 1)
	if err != nil {
		return 0, wrap("increment processed", err)
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return n, nil
}

// SetGeneratedDocument records the persisted artifact id and collection.
func (r *Runs) SetGeneratedDocument(ctx context.Context, runID, documentID, collection string) error {
	return wrap("set generated document", r.store.SetFields(ctx, r.MetaKey(runID), map[string]any{
		fieldGeneratedDocID: documentID,
		fieldGeneratedColl:  collection,
	}))
}

// ClearGeneratedDocument forgets the persisted artifact id.
func (r *Runs) ClearGeneratedDocument(ctx context.Context, runID string) error {
	return wrap("clear generated document", r.store.SetFields(ctx, r.MetaKey(runID), map[string]any{
		fieldGeneratedDocID: "",
		fieldGeneratedColl:  "",
	}))
}

// RecentRuns returns ids in the recent-runs index, sorted.
func (r *Runs) RecentRuns(ctx context.Context) ([]string, error) {
	ids, err := r.store.SetMembers(ctx, r.recentKey())
	sort.Strings(ids)
	return ids, wrap("list recent runs", err)
}

// ProcessingRuns returns ids of runs currently PROCESSING, sorted.
func (r *Runs) ProcessingRuns(ctx context.Context) ([]string, error) {
	ids, err := r.store.SetMembers(ctx, r.processingKey())
	sort.Strings(ids)
	return ids, wrap("list processing runs", err)
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

// InitSections writes every section as PENDING and records the total.
func (r *Runs) InitSections(ctx context.Context, runID string, sections []types.Section) error {
	for _, s := range sections {
		err := r.store.SetFields(ctx, r.SectionKey(runID, s.Index), map[string]any{
			fieldIndex:   s.Index,
			fieldTitle:   s.Title,
			fieldContent: s.Content,
			fieldStatus:  string(types.SectionPending),
		})
		if err != nil {
			return wrap("init section", err)
		}
	}
	return wrap("set total sections", r.store.SetFields(ctx, r.MetaKey(runID), map[string]any{
		fieldTotalSections: len(sections),
	}))
}

// SetSectionStatus validates and applies a section status change.
func (r *Runs) SetSectionStatus(ctx context.Context, runID string, index int, to types.SectionStatus) error {
	key := r.SectionKey(runID, index)
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := r.SectionStatus(ctx, runID, index)
		if err != nil {
			return err
		}
		if cur == to {
			return nil
		}
		if !cur.CanTransitionTo(to) {
			return &TransitionError{Key: key, From: string(cur), To: string(to)}
		}
		ok, err := r.store.CompareAndSetField(ctx, key, fieldStatus, string(cur), string(to))
		if err != nil {
			return wrap("update section status", err)
		}
		if ok {
			return nil
		}
	}
	return &Error{Message: fmt.Sprintf("section %s contended", key)}
}

// SectionStatus reads a section's current status.
func (r *Runs) SectionStatus(ctx context.Context, runID string, index int) (types.SectionStatus, error) {
	fields, err := r.store.GetFields(ctx, r.SectionKey(runID, index))
	if err != nil {
		return "", wrap("load section", err)
	}
	if len(fields) == 0 {
		return "", &Error{Message: fmt.Sprintf("section %d of run %s not found", index, runID)}
	}
	return types.ParseSectionStatus(fields[fieldStatus])
}

// ListSections returns all sections of a run in index order. Missing records
// (e.g. already purged) are skipped.
func (r *Runs) ListSections(ctx context.Context, runID string) ([]types.Section, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sections := make([]types.Section, 0, run.TotalSections)
	for i := 0; i < run.TotalSections; i++ {
		fields, err := r.store.GetFields(ctx, r.SectionKey(runID, i))
		if err != nil {
			return nil, wrap("load section", err)
		}
		if len(fields) == 0 {
			continue
		}
		status, _ := types.ParseSectionStatus(fields[fieldStatus])
		sections = append(sections, types.Section{
			Index:   i,
			Title:   fields[fieldTitle],
			Content: fields[fieldContent],
			Status:  status,
		})
	}
	return sections, nil
}

// SaveActorResults stores truncated actor outputs for inspection. Like
// SaveCriticResult it returns ErrRunNotFound once the run has been purged.
func (r *Runs) SaveActorResults(ctx context.Context, runID string, index int, results []types.ActorResult) error {
	trimmed := make([]types.ActorResult, len(results))
	for i, res := range results {
		trimmed[i] = res.Truncated(maxStoredActorText)
	}
	data, err := json.Marshal(trimmed)
	if err != nil {
		return err
	}
	return r.setWhileRunExists(ctx, runID, r.ActorsKey(runID, index), string(data), "save actor results")
}

// SaveCriticResult stores a section's critic result with the section TTL.
func (r *Runs) SaveCriticResult(ctx context.Context, runID string, index int, result *types.CriticResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.setWhileRunExists(ctx, runID, r.CriticKey(runID, index), string(data), "save critic result")
}

// setWhileRunExists writes a section-scoped key with the section TTL, unless
// the run's metadata is gone.
func (r *Runs) setWhileRunExists(ctx context.Context, runID, key, value, op string) error {
	ok, err := r.store.SetIfExists(ctx, r.MetaKey(runID), key, value, r.sectionTTL)
	if err != nil {
		return wrap(op, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// CriticResults loads every stored critic result in section index order.
func (r *Runs) CriticResults(ctx context.Context, runID string) ([]types.CriticResult, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var results []types.CriticResult
	for i := 0; i < run.TotalSections; i++ {
		raw, ok, err := r.store.Get(ctx, r.CriticKey(runID, i))
		if err != nil {
			return nil, wrap("load critic result", err)
		}
		if !ok {
			continue
		}
		var res types.CriticResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("failed to decode critic result %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// -----------------------------------------------------------------------------
// Abort, locks, retention
// -----------------------------------------------------------------------------

// SetAbort raises the run's abort flag. ttl <= 0 keeps it until purged or
// retention applies.
func (r *Runs) SetAbort(ctx context.Context, runID string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return wrap("set abort flag", r.store.Set(ctx, r.AbortKey(runID), "1", ttl))
}

// IsAborted reports whether the abort flag is set.
func (r *Runs) IsAborted(ctx context.Context, runID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, r.AbortKey(runID))
	return ok, wrap("read abort flag", err)
}

// AcquireLock takes the run lock for owner. It returns ErrLockHeld when
// another owner has it.
func (r *Runs) AcquireLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	ok, err := r.store.SetNX(ctx, r.LockKey(runID), owner, ttl)
	if err != nil {
		return wrap("acquire lock", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ReleaseLock frees the run lock if owner still holds it.
func (r *Runs) ReleaseLock(ctx context.Context, runID, owner string) error {
	_, err := r.store.ReleaseIfOwner(ctx, r.LockKey(runID), owner)
	return wrap("release lock", err)
}

// RunKeys lists every key in the run's namespace.
func (r *Runs) RunKeys(ctx context.Context, runID string) ([]string, error) {
	keys, err := r.store.Keys(ctx, r.runKey(runID, "*"))
	sort.Strings(keys)
	return keys, wrap("scan run keys", err)
}

// Purge deletes every key of the run except preserve, and drops the run from
// the recent and processing indexes. It returns the number of deleted keys.
func (r *Runs) Purge(ctx context.Context, runID string, preserve ...string) (int, error) {
	keys, err := r.RunKeys(ctx, runID)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(preserve))
	for _, k := range preserve {
		keep[k] = true
	}
	var doomed []string
	for _, k := range keys {
		if !keep[k] {
			doomed = append(doomed, k)
		}
	}
	if err := r.store.Delete(ctx, doomed...); err != nil {
		return 0, wrap("delete run keys", err)
	}
	if err := r.store.RemoveFromSet(ctx, r.recentKey(), runID); err != nil {
		return len(doomed), wrap("unindex recent run", err)
	}
	if err := r.store.RemoveFromSet(ctx, r.processingKey(), runID); err != nil {
		return len(doomed), wrap("unindex processing run", err)
	}
	return len(doomed), nil
}

// ApplyRetention sets ttl on every key of the run instead of deleting them.
func (r *Runs) ApplyRetention(ctx context.Context, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	keys, err := r.RunKeys(ctx, runID)
	if err != nil {
		return err
	}
	return wrap("apply retention", r.store.Expire(ctx, ttl, keys...))
}
