package consolidate

import (
	"strings"
	"unicode"
)

// LongLine is the length above which a line is deduplicated sentence by
// sentence instead of as a whole.
const LongLine = 120

// Dedupe removes repeated text across the whole document. Each line (or each
// sentence of a long line) is normalized for case and whitespace, and dropped
// if that form was already seen anywhere earlier. Kept sentences of a long
// line are written one per line. Blank lines are preserved. Applying Dedupe
// to its own output changes nothing.
func Dedupe(text string) string {
	seen := make(map[string]bool)
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			out = append(out, "")
			continue
		}

		if len(line) <= LongLine {
			norm := normalize(line)
			if seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, strings.TrimRightFunc(line, unicode.IsSpace))
			continue
		}

		indent := line[:len(line)-len(strings.TrimLeftFunc(line, unicode.IsSpace))]
		for _, sentence := range splitSentences(line) {
			norm := normalize(sentence)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, indent+sentence)
		}
	}
	return strings.Join(out, "\n")
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace.
// Pieces are trimmed and never contain such a boundary themselves.
func splitSentences(line string) []string {
	runes := []rune(strings.TrimSpace(line))
	var out []string
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
