// Package types defines the data model shared by the test-plan pipeline.
package types

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

// Run statuses
const (
	RunInitializing RunStatus = "INITIALIZING"
	RunProcessing   RunStatus = "PROCESSING"
	RunCompleted    RunStatus = "COMPLETED"
	RunFailed       RunStatus = "FAILED"
	RunAborted      RunStatus = "ABORTED"
	RunFallback     RunStatus = "FALLBACK"
)

// runTransitions lists the legal next states for every non-terminal status.
var runTransitions = map[RunStatus][]RunStatus{
	RunInitializing: {RunProcessing, RunFailed, RunAborted, RunFallback},
	RunProcessing:   {RunCompleted, RunFailed, RunAborted, RunFallback},
}

// ParseRunStatus converts a stored string into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	status := RunStatus(s)
	switch status {
	case RunInitializing, RunProcessing, RunCompleted, RunFailed, RunAborted, RunFallback:
		return status, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	_, ok := runTransitions[s]
	return !ok
}

// CanTransitionTo reports whether moving from s to next is legal.
// Moving to the current state is always allowed and treated as a no-op.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ModelFallback records a substitution of the configured models.
type ModelFallback struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// Run is the metadata of one pipeline execution.
type Run struct {
	ID                  string         `json:"run_id"`
	Title               string         `json:"title"`
	Status              RunStatus      `json:"status"`
	TotalSections       int            `json:"total_sections"`
	SectionsProcessed   int            `json:"sections_processed"`
	ActorModelIDs       []string       `json:"actor_model_ids"`
	CriticModelID       string         `json:"critic_model_id"`
	FinalCriticModelID  string         `json:"final_critic_model_id"`
	CreatedAt           time.Time      `json:"created_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	GeneratedDocumentID string         `json:"generated_document_id,omitempty"`
	GeneratedCollection string         `json:"generated_collection,omitempty"`
	ModelFallback       *ModelFallback `json:"model_fallback,omitempty"`
	Error               string         `json:"error,omitempty"`
}

// Models groups the model identifiers a run uses for each role.
type Models struct {
	Actors      []string `json:"actors"`
	Critic      string   `json:"critic"`
	FinalCritic string   `json:"final_critic"`
}

// All returns every configured model id, actors first.
func (m Models) All() []string {
	all := make([]string, 0, len(m.Actors)+2)
	all = append(all, m.Actors...)
	return append(all, m.Critic, m.FinalCritic)
}

// WithFallback returns a copy of m where every role uses model.
func (m Models) WithFallback(model string) Models {
	actors := make([]string, len(m.Actors))
	for i := range actors {
		actors[i] = model
	}
	if len(actors) == 0 {
		actors = []string{model}
	}
	return Models{Actors: actors, Critic: model, FinalCritic: model}
}
