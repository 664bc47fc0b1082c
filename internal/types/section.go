package types

import "fmt"

// SectionStatus is the processing state of one section.
type SectionStatus string

// Section statuses
const (
	SectionPending    SectionStatus = "PENDING"
	SectionProcessing SectionStatus = "PROCESSING"
	SectionCompleted  SectionStatus = "COMPLETED"
	SectionFailed     SectionStatus = "FAILED"
	SectionAborted    SectionStatus = "ABORTED"
)

var sectionTransitions = map[SectionStatus][]SectionStatus{
	SectionPending:    {SectionProcessing, SectionAborted, SectionFailed},
	SectionProcessing: {SectionCompleted, SectionFailed, SectionAborted},
}

// ParseSectionStatus converts a stored string into a SectionStatus.
func ParseSectionStatus(s string) (SectionStatus, error) {
	status := SectionStatus(s)
	switch status {
	case SectionPending, SectionProcessing, SectionCompleted, SectionFailed, SectionAborted:
		return status, nil
	}
	return "", fmt.Errorf("unknown section status %q", s)
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s SectionStatus) CanTransitionTo(next SectionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range sectionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Section is one titled slice of a source document.
type Section struct {
	Index   int           `json:"index"`
	Title   string        `json:"title"`
	Content string        `json:"content"`
	Status  SectionStatus `json:"status,omitempty"`
}

// Reindex assigns positional indexes to sections in their current order.
func Reindex(sections []Section) []Section {
	for i := range sections {
		sections[i].Index = i
	}
	return sections
}
