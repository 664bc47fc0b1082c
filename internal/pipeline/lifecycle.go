package pipeline

import (
	"context"
	"errors"

	"github.com/jonathan/testplan-agent/internal/consolidate"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
)

// AbortResult reports what Abort did.
type AbortResult struct {
	RunID           string          `json:"run_id"`
	Status          types.RunStatus `json:"status"`
	RemovedDocument bool            `json:"removed_document"`
	PurgedKeys      int             `json:"purged_keys"`
}

// Abort raises the run's abort flag and marks it ABORTED. Workers stop
// picking up new sections at their next check. A run that already finished
// keeps its terminal status. With removeGenerated the persisted artifact is
// deleted; with purge every run key except the abort flag is deleted.
func (r *Runner) Abort(ctx context.Context, runID string, purge, removeGenerated bool) (*AbortResult, error) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := r.runs.SetAbort(ctx, runID, 0); err != nil {
		return nil, err
	}

	res := &AbortResult{RunID: runID, Status: types.RunAborted}
	if err := r.runs.Transition(ctx, runID, types.RunAborted); err != nil {
		if !errors.Is(err, state.ErrIllegalTransition) {
			return nil, err
		}
		r.logger.Info("abort requested for finished run", "run_id", runID, "status", run.Status)
		res.Status = run.Status
	}

	if removeGenerated {
		removed, err := r.persister.RemoveGenerated(ctx, runID)
		if err != nil {
			return res, err
		}
		res.RemovedDocument = removed
	}
	if purge {
		n, err := r.runs.Purge(ctx, runID, r.runs.AbortKey(runID))
		if err != nil {
			return res, err
		}
		res.PurgedKeys = n
	}
	return res, nil
}

// Purge deletes every key of the run and drops it from the run indexes.
func (r *Runner) Purge(ctx context.Context, runID string) (int, error) {
	return r.runs.Purge(ctx, runID)
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	RunID           string `json:"run_id"`
	RemovedDocument bool   `json:"removed_document"`
	PurgedKeys      int    `json:"purged_keys"`
}

// Cleanup removes the run's persisted artifact and then all of its state.
func (r *Runner) Cleanup(ctx context.Context, runID string) (*CleanupResult, error) {
	removed, err := r.persister.RemoveGenerated(ctx, runID)
	if err != nil {
		return nil, err
	}
	n, err := r.runs.Purge(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &CleanupResult{RunID: runID, RemovedDocument: removed, PurgedKeys: n}, nil
}

// StatusReport is a run's metadata plus its section statuses.
type StatusReport struct {
	Run      *types.Run      `json:"run"`
	Sections []types.Section `json:"sections"`
	Aborted  bool            `json:"aborted"`
}

// Status loads a run and its sections. Section content is omitted.
func (r *Runner) Status(ctx context.Context, runID string) (*StatusReport, error) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	secs, err := r.runs.ListSections(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range secs {
		secs[i].Content = ""
	}
	aborted, err := r.runs.IsAborted(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Run: run, Sections: secs, Aborted: aborted}, nil
}

// Recent lists ids of recent runs, and of those still processing.
func (r *Runner) Recent(ctx context.Context) (recent, processing []string, err error) {
	if recent, err = r.runs.RecentRuns(ctx); err != nil {
		return nil, nil, err
	}
	if processing, err = r.runs.ProcessingRuns(ctx); err != nil {
		return nil, nil, err
	}
	return recent, processing, nil
}

// Preview assembles the section results a run has stored so far.
func (r *Runner) Preview(ctx context.Context, runID string) (*consolidate.Partial, error) {
	return consolidate.AssembleRun(ctx, r.runs, runID)
}

// Models returns the configured model roles.
func (r *Runner) Models() types.Models {
	m := r.cfg.Models
	m.Actors = append([]string(nil), m.Actors...)
	return m
}

// Runs exposes the run repository.
func (r *Runner) Runs() *state.Runs { return r.runs }
