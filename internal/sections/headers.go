package sections

import (
	"regexp"
	"strings"
	"unicode"
)

// headerKind ranks how a line was recognised as a heading. Lower is stronger.
type headerKind int

const (
	notHeader headerKind = iota
	markdownHeader
	numericHeader
	capsHeader
	structuralHeader
	keywordHeader
)

const maxHeaderLen = 120

var (
	markdownHeaderRe   = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*\s*$`)
	numericHeaderRe    = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+[A-Z][A-Z\s]+`)
	structuralHeaderRe = regexp.MustCompile(`(?i)^(\d+(\.\d+)*\.?\s+)?(APPENDIX|CHAPTER|SECTION|PART)\b`)
	subsectionHeaderRe = regexp.MustCompile(`^\d+(\.\d+)+\.?\s+\S`)

	capsStopWords  = []string{"THE ", "THIS ", "THESE "}
	headerKeywords = []string{
		"REQUIREMENTS", "SPECIFICATIONS", "SPECIFICATION", "PROCEDURES",
		"TEST PLAN", "TESTING", "COMPLIANCE", "CONFORMANCE", "VERIFICATION",
		"SCOPE", "OVERVIEW", "DEFINITIONS",
	}
)

// classifyLine reports how line qualifies as a heading and the title to use.
// Markdown headings are not considered here; see markdownTitle.
func classifyLine(line string) (headerKind, string) {
	s := strings.TrimSpace(line)
	if s == "" || len(s) > maxHeaderLen {
		return notHeader, ""
	}
	switch {
	case numericHeaderRe.MatchString(s):
		return numericHeader, s
	case isCapsHeader(s):
		return capsHeader, s
	case structuralHeaderRe.MatchString(s) && len(strings.Fields(s)) <= 10:
		return structuralHeader, s
	case isKeywordHeader(s):
		return keywordHeader, s
	}
	return notHeader, ""
}

// markdownTitle returns the heading text of a markdown header line.
func markdownTitle(line string) (string, bool) {
	m := markdownHeaderRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	title := strings.Trim(m[1], "*_ ")
	return title, title != ""
}

// isCapsHeader matches short all-caps lines such as "GENERAL PROVISIONS".
func isCapsHeader(s string) bool {
	if len(s) <= 5 || strings.HasSuffix(s, ".") {
		return false
	}
	if len(strings.Fields(s)) > 8 {
		return false
	}
	for _, stop := range capsStopWords {
		if strings.HasPrefix(s, stop) {
			return false
		}
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func isKeywordHeader(s string) bool {
	if len(s) > 60 || len(strings.Fields(s)) > 8 || strings.HasSuffix(s, ".") {
		return false
	}
	upper := strings.ToUpper(s)
	for _, kw := range headerKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// heading is a detected header line and its position.
type heading struct {
	line  int
	title string
}

// detectHeadings finds section boundaries. Markdown headings win outright when
// present since upstream reconstruction emits them; otherwise every line that
// matches one of the plain-text rules is a boundary.
func detectHeadings(lines []string) []heading {
	var md []heading
	for i, l := range lines {
		if title, ok := markdownTitle(l); ok {
			md = append(md, heading{line: i, title: title})
		}
	}
	if len(md) > 0 {
		return md
	}

	var plain []heading
	for i, l := range lines {
		if kind, title := classifyLine(l); kind != notHeader {
			plain = append(plain, heading{line: i, title: title})
		}
	}
	return plain
}

// naturalSections splits text at detected headings. Text before the first
// heading becomes an "Introduction" section.
func naturalSections(text string) []titled {
	lines := strings.Split(text, "\n")
	heads := detectHeadings(lines)
	if len(heads) == 0 {
		return nil
	}

	var out []titled
	if pre := strings.TrimSpace(strings.Join(lines[:heads[0].line], "\n")); pre != "" {
		out = append(out, titled{title: "Introduction", content: pre})
	}
	for i, h := range heads {
		end := len(lines)
		if i+1 < len(heads) {
			end = heads[i+1].line
		}
		body := strings.TrimSpace(strings.Join(lines[h.line+1:end], "\n"))
		out = append(out, titled{title: h.title, content: body})
	}
	return out
}

// titled is an intermediate section before indexing.
type titled struct {
	title   string
	content string
}
