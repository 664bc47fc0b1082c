package observability

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/testplan-agent/internal/types"
)

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.PrintRun(&types.Run{
		ID:                  "run-1",
		Title:               "Radio plan",
		Status:              types.RunCompleted,
		TotalSections:       4,
		SectionsProcessed:   4,
		ActorModelIDs:       []string{"ollama/a", "ollama/b"},
		CriticModelID:       "ollama/c",
		CompletedAt:         &done,
		GeneratedDocumentID: "testplan_run-1",
		GeneratedCollection: "generated_test_plans",
		ModelFallback:       &types.ModelFallback{Model: "ollama/llama3.1", Reason: "missing credentials"},
	})
	output := buf.String()

	assert.Contains(t, output, "RUN COMPLETED")
	assert.Contains(t, output, "Radio plan")
	assert.Contains(t, output, "4/4 processed")
	assert.Contains(t, output, "actor  ollama/b")
	assert.Contains(t, output, "critic ollama/c")
	assert.Contains(t, output, "2026-01-02T03:04:05Z")
	assert.Contains(t, output, "Fallback: ollama/llama3.1")
	assert.Contains(t, output, "generated_test_plans/testplan_run-1")
}

func TestPrintRun_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintRun(nil)
	assert.Empty(t, buf.String())
}

func TestPrintSections(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	var secs []types.Section
	for i := 0; i < 12; i++ {
		secs = append(secs, types.Section{Index: i, Title: fmt.Sprintf("%d. Part", i+1), Content: "abc"})
	}
	secs[0].Status = types.SectionFailed

	p.PrintSections(secs)
	output := buf.String()

	assert.Contains(t, output, "Total sections: 12")
	assert.Contains(t, output, "1. 1. Part [FAILED]")
	assert.Contains(t, output, "(3 chars)")
	assert.Contains(t, output, "... and 2 more sections")
}

func TestPrintCriticResults(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintCriticResults([]types.CriticResult{
		{SectionTitle: "1. Scope", ActorCount: 2, DerivedItems: []types.TestProcedure{{ID: "1"}, {ID: "2"}}},
		{SectionTitle: "2. Power", ActorCount: 1, Conflicts: []string{"voltage"}},
	})
	output := buf.String()

	assert.Contains(t, output, "Synthesized 2 sections, 2 derived items")
	assert.Contains(t, output, "2 actors, 2 items")
	assert.Contains(t, output, "1 conflicts")
}

func TestPrintArtifact(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	lines := make([]string, 12)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	p.PrintArtifact(&types.FinalArtifact{
		Title:             "Plan",
		Status:            types.RunCompleted,
		TotalSections:     3,
		TotalDerivedItems: 7,
		ConsolidatedText:  strings.Join(lines, "\n"),
	})
	output := buf.String()

	assert.Contains(t, output, "TEST PLAN")
	assert.Contains(t, output, "Items:    7")
	assert.Contains(t, output, "line 8")
	assert.NotContains(t, output, "line 9")
	assert.Contains(t, output, "... 4 more lines")
}

func TestPrintFallback(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintFallback(nil)
	assert.Contains(t, buf.String(), "CONFIGURED MODELS AVAILABLE")

	buf.Reset()
	p.PrintFallback(&types.ModelFallback{Model: "ollama/llama3.1", Reason: "critic failed health check"})
	assert.Contains(t, buf.String(), "MODEL FALLBACK")
	assert.Contains(t, buf.String(), "Using ollama/llama3.1")
}

func TestPrintBox_ClipsLongLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.printBox("T", strings.Repeat("é", 100))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, boxWidth, len([]rune(line)), "box lines have fixed width: %q", line)
	}
	assert.Contains(t, buf.String(), "...")
}
