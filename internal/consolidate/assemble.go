package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
)

// Assemble builds an ordered markdown document from whatever section results
// are available, without calling a model.
func Assemble(title string, results []types.CriticResult) string {
	ordered := SortResults(results)

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for _, r := range ordered {
		fmt.Fprintf(&b, "## %s\n\n", r.SectionTitle)
		if text := strings.TrimSpace(r.SynthesizedText); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Partial is an artifact rebuilt from a run's stored section results.
type Partial struct {
	Run      *types.Run
	Results  []types.CriticResult
	Document string
}

// AssembleRun reads every stored critic result for runID and assembles them
// in outline order. It works on runs in any status.
func AssembleRun(ctx context.Context, runs *state.Runs, runID string) (*Partial, error) {
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := runs.CriticResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Partial{
		Run:      run,
		Results:  SortResults(results),
		Document: Assemble(run.Title, results),
	}, nil
}

// PartialArtifact describes a run that stopped before consolidation.
func PartialArtifact(runID, title string, totalSections int, results []types.CriticResult, status types.RunStatus) types.FinalArtifact {
	ordered := SortResults(results)
	header := fmt.Sprintf("Run %s stopped with status %s after %d of %d sections completed.",
		runID, status, len(ordered), totalSections)
	body := Assemble(title, ordered)
	text := header
	if body != "" {
		text += "\n\n" + body
	}
	return types.FinalArtifact{
		Title:             title,
		RunID:             runID,
		TotalSections:     len(ordered),
		TotalDerivedItems: types.CountDerivedItems(ordered),
		ConsolidatedText:  text,
		Status:            status,
		SectionTitles:     titlesOf(ordered),
	}
}
