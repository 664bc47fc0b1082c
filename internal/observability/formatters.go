// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/testplan-agent/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// previewLines is how much of an artifact body is shown
	previewLines = 8
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, clip(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// clip shortens s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintRun outputs a run's metadata.
func (p *Printer) PrintRun(run *types.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	if run.Title != "" {
		sb.WriteString(fmt.Sprintf("Title:    %s\n", run.Title))
	}
	sb.WriteString(fmt.Sprintf("Status:   %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("Sections: %d/%d processed\n", run.SectionsProcessed, run.TotalSections))
	if !run.CreatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Created:  %s\n", run.CreatedAt.UTC().Format(time.RFC3339)))
	}
	if run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Finished: %s\n", run.CompletedAt.UTC().Format(time.RFC3339)))
	}

	sb.WriteString("\nModels:\n")
	for _, m := range run.ActorModelIDs {
		sb.WriteString(fmt.Sprintf("  • actor  %s\n", m))
	}
	if run.CriticModelID != "" {
		sb.WriteString(fmt.Sprintf("  • critic %s\n", run.CriticModelID))
	}
	if run.FinalCriticModelID != "" {
		sb.WriteString(fmt.Sprintf("  • final  %s\n", run.FinalCriticModelID))
	}

	if run.ModelFallback != nil {
		sb.WriteString(fmt.Sprintf("\nFallback: %s\n", run.ModelFallback.Model))
		sb.WriteString(fmt.Sprintf("  %s\n", run.ModelFallback.Reason))
	}
	if run.GeneratedDocumentID != "" {
		sb.WriteString(fmt.Sprintf("\nDocument: %s/%s\n", run.GeneratedCollection, run.GeneratedDocumentID))
	}
	if run.Error != "" {
		sb.WriteString(fmt.Sprintf("\n⚠ %s\n", run.Error))
	}

	p.printBox("RUN "+string(run.Status), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintSections outputs extracted sections, with their status when known.
func (p *Printer) PrintSections(sections []types.Section) {
	if len(sections) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Total sections: %d\n\n", len(sections)))

	count := min(len(sections), maxItemsToShow*2)
	for i := 0; i < count; i++ {
		sec := sections[i]
		line := fmt.Sprintf("%2d. %s", sec.Index+1, sec.Title)
		switch {
		case sec.Status != "":
			line += fmt.Sprintf(" [%s]", sec.Status)
		case sec.Content != "":
			line += fmt.Sprintf(" (%d chars)", len([]rune(sec.Content)))
		}
		sb.WriteString(line + "\n")
	}

	if len(sections) > count {
		sb.WriteString(fmt.Sprintf("\n... and %d more sections", len(sections)-count))
	}

	p.printBox("SECTIONS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintCriticResults outputs per-section synthesis counts.
func (p *Printer) PrintCriticResults(results []types.CriticResult) {
	if len(results) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Synthesized %d sections, %d derived items:\n\n",
		len(results), types.CountDerivedItems(results)))

	count := min(len(results), maxItemsToShow)
	for i := 0; i < count; i++ {
		r := results[i]
		sb.WriteString(fmt.Sprintf("• %s\n", r.SectionTitle))
		sb.WriteString(fmt.Sprintf("  %d actors, %d items", r.ActorCount, len(r.DerivedItems)))
		if len(r.Conflicts) > 0 {
			sb.WriteString(fmt.Sprintf(", %d conflicts", len(r.Conflicts)))
		}
		sb.WriteString("\n")
	}

	if len(results) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more sections", len(results)-maxItemsToShow))
	}

	p.printBox("SECTION RESULTS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintArtifact outputs a summary of the final test plan and the start of
// its text.
func (p *Printer) PrintArtifact(artifact *types.FinalArtifact) {
	if artifact == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Title:    %s\n", artifact.Title))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", artifact.Status))
	sb.WriteString(fmt.Sprintf("Sections: %d\n", artifact.TotalSections))
	sb.WriteString(fmt.Sprintf("Items:    %d\n", artifact.TotalDerivedItems))

	body := strings.TrimSpace(artifact.ConsolidatedText)
	if body != "" {
		sb.WriteString("\n")
		lines := strings.Split(body, "\n")
		for _, line := range lines[:min(len(lines), previewLines)] {
			sb.WriteString(line + "\n")
		}
		if len(lines) > previewLines {
			sb.WriteString(fmt.Sprintf("... %d more lines\n", len(lines)-previewLines))
		}
	}

	p.printBox("TEST PLAN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintFallback outputs a model substitution warning.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintFallback(fb *types.ModelFallback) {
	if fb == nil {
		fmt.Fprintf(p.out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, "✅ CONFIGURED MODELS AVAILABLE")
		fmt.Fprintf(p.out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
		return
	}

	p.printBox("MODEL FALLBACK", fmt.Sprintf("⚠ Using %s\n  %s", fb.Model, fb.Reason))
}
