// Package steps defines the stages of a test-plan run, their categories and
// the dependencies between them.
package steps

import (
	"fmt"
	"sort"
)

// Step names
const (
	ResolveModels   = "resolve_models"
	ExtractSections = "extract_sections"
	InitRun         = "init_run"
	ProcessSections = "process_sections"
	Consolidate     = "consolidate"
	Persist         = "persist"
	Retention       = "retention"
)

// Step categories
const (
	CategorySetup       = "setup"
	CategoryIngestion   = "ingestion"
	CategoryProcessing  = "processing"
	CategoryOutput      = "output"
	CategoryHousekeeing = "housekeeping"
)

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         string
	Number       int
	Category     string
	Description  string
	Dependencies []string
}

// StepRegistry holds all step definitions
var StepRegistry = map[string]StepDefinition{
	ResolveModels: {
		Name:        ResolveModels,
		Number:      1,
		Category:    CategorySetup,
		Description: "Resolving models",
	},
	ExtractSections: {
		Name:         ExtractSections,
		Number:       2,
		Category:     CategoryIngestion,
		Description:  "Extracting sections",
		Dependencies: []string{ResolveModels},
	},
	InitRun: {
		Name:         InitRun,
		Number:       3,
		Category:     CategoryIngestion,
		Description:  "Initializing run state",
		Dependencies: []string{ExtractSections},
	},
	ProcessSections: {
		Name:         ProcessSections,
		Number:       4,
		Category:     CategoryProcessing,
		Description:  "Processing sections",
		Dependencies: []string{InitRun},
	},
	Consolidate: {
		Name:         Consolidate,
		Number:       5,
		Category:     CategoryOutput,
		Description:  "Consolidating test plan",
		Dependencies: []string{ProcessSections},
	},
	Persist: {
		Name:         Persist,
		Number:       6,
		Category:     CategoryOutput,
		Description:  "Persisting test plan",
		Dependencies: []string{Consolidate},
	},
	Retention: {
		Name:        Retention,
		Number:      7,
		Category:    CategoryHousekeeing,
		Description: "Applying retention",
	},
}

// Total is the number of registered steps.
func Total() int { return len(StepRegistry) }

// Ordered returns step definitions in execution order.
func Ordered() []StepDefinition {
	out := make([]StepDefinition, 0, len(StepRegistry))
	for _, def := range StepRegistry {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Label renders "Step n/N: description" for progress output.
func Label(name string) string {
	def, ok := StepRegistry[name]
	if !ok {
		return name
	}
	return fmt.Sprintf("Step %d/%d: %s", def.Number, Total(), def.Description)
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("missing dependencies: %v", e.MissingDependencies)
}

// ValidateDependencies checks if all required dependencies for a step are completed
func ValidateDependencies(completed map[string]bool, stepName string) error {
	def, ok := StepRegistry[stepName]
	if !ok {
		return fmt.Errorf("unknown step: %s", stepName)
	}

	var missing []string
	for _, dep := range def.Dependencies {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}

// Tracker records completed steps for one run.
type Tracker struct {
	completed map[string]bool
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{completed: make(map[string]bool)}
}

// Start validates that stepName may run now.
func (t *Tracker) Start(stepName string) error {
	return ValidateDependencies(t.completed, stepName)
}

// Done marks stepName completed.
func (t *Tracker) Done(stepName string) {
	t.completed[stepName] = true
}

// Completed lists completed steps in execution order.
func (t *Tracker) Completed() []string {
	var out []string
	for _, def := range Ordered() {
		if t.completed[def.Name] {
			out = append(out, def.Name)
		}
	}
	return out
}
