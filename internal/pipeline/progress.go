package pipeline

import (
	"github.com/jonathan/testplan-agent/internal/events"
	"github.com/jonathan/testplan-agent/internal/pipeline/steps"
)

// Progress categories
const (
	CategoryStep    = "step"
	CategorySection = "section"
	CategoryModel   = "model"
	CategoryResult  = "result"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	Step     string `json:"step"`
	Category string `json:"category"`
	Message  string `json:"message"`
	RunID    string `json:"run_id,omitempty"`
	Content  any    `json:"content,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// emitter fans progress out to the request callback and the event bus.
type emitter struct {
	runID     string
	callback  ProgressCallback
	publisher *events.Publisher
}

func (e emitter) emit(step, category, message string, content any) {
	ev := ProgressEvent{Step: step, Category: category, Message: message, RunID: e.runID, Content: content}
	if e.callback != nil {
		e.callback(ev)
	}
	e.publisher.Publish(events.Event{
		RunID:    e.runID,
		Step:     step,
		Category: category,
		Message:  message,
		Content:  content,
	})
}

// stepStarted emits the "Step n/N" line for a registered step.
func (e emitter) stepStarted(step string) {
	e.emit(step, CategoryStep, steps.Label(step), nil)
}
