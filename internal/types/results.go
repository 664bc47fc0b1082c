package types

import (
	"time"
	"unicode/utf8"
)

// ActorResult is one actor's extraction for one section.
type ActorResult struct {
	AgentID        string        `json:"agent_id"`
	ModelID        string        `json:"model_id"`
	SectionTitle   string        `json:"section_title"`
	ExtractedText  string        `json:"extracted_text"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Truncated returns a copy whose text is capped at max bytes, cut on a rune
// boundary.
func (r ActorResult) Truncated(max int) ActorResult {
	if max > 0 && len(r.ExtractedText) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(r.ExtractedText[cut]) {
			cut--
		}
		r.ExtractedText = r.ExtractedText[:cut]
	}
	return r
}

// TestProcedure is a derived item extracted from a critic synthesis.
type TestProcedure struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// CriticResult is the synthesized output for one section.
type CriticResult struct {
	SectionIndex    int             `json:"section_index"`
	SectionTitle    string          `json:"section_title"`
	SynthesizedText string          `json:"synthesized_text"`
	Dependencies    []string        `json:"dependencies"`
	Conflicts       []string        `json:"conflicts"`
	DerivedItems    []TestProcedure `json:"derived_items"`
	ActorCount      int             `json:"actor_count"`
}

// FinalArtifact is the consolidated test plan for a run.
type FinalArtifact struct {
	Title             string    `json:"title"`
	RunID             string    `json:"run_id"`
	TotalSections     int       `json:"total_sections"`
	TotalDerivedItems int       `json:"total_derived_items"`
	ConsolidatedText  string    `json:"consolidated_text"`
	Status            RunStatus `json:"status"`
	SectionTitles     []string  `json:"section_titles,omitempty"`
}

// CountDerivedItems sums derived items across section results.
func CountDerivedItems(results []CriticResult) int {
	total := 0
	for _, r := range results {
		total += len(r.DerivedItems)
	}
	return total
}
