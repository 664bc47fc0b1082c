package sections

import (
	"fmt"
	"strings"
)

// splitLarge breaks an oversized section, first at nested numeric
// subsection headings and then by paragraph blocks.
func (e *Extractor) splitLarge(sec titled) []titled {
	if charLen(sec.content) <= e.opts.SplitThreshold {
		return []titled{sec}
	}

	subs := splitSubsections(sec)
	if len(subs) < 2 {
		return e.splitParagraphs(sec)
	}

	var out []titled
	for _, s := range subs {
		if charLen(s.content) > e.opts.SplitThreshold {
			out = append(out, e.splitParagraphs(s)...)
			continue
		}
		out = append(out, s)
	}
	return out
}

// splitSubsections cuts content at lines like "4.2.1 Timing". Text before the
// first subsection keeps the parent title.
func splitSubsections(sec titled) []titled {
	lines := strings.Split(sec.content, "\n")
	var cuts []int
	for i, l := range lines {
		if subsectionHeaderRe.MatchString(strings.TrimSpace(l)) && len(l) <= maxHeaderLen {
			cuts = append(cuts, i)
		}
	}
	if len(cuts) == 0 {
		return nil
	}

	var out []titled
	if pre := strings.TrimSpace(strings.Join(lines[:cuts[0]], "\n")); pre != "" {
		out = append(out, titled{title: sec.title, content: pre})
	}
	for i, c := range cuts {
		end := len(lines)
		if i+1 < len(cuts) {
			end = cuts[i+1]
		}
		out = append(out, titled{
			title:   strings.TrimSpace(lines[c]),
			content: strings.TrimSpace(strings.Join(lines[c+1:end], "\n")),
		})
	}
	return out
}

// splitParagraphs accumulates blank-line separated paragraphs into blocks of
// at most BlockSize characters. A single paragraph larger than a block is
// hard split.
func (e *Extractor) splitParagraphs(sec titled) []titled {
	limit := e.opts.BlockSize
	var blocks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			blocks = append(blocks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(sec.content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if charLen(para) > limit {
			flush()
			blocks = append(blocks, splitRunes(para, limit, 0)...)
			continue
		}
		if cur.Len() > 0 && charLen(cur.String())+2+charLen(para) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	if len(blocks) <= 1 {
		return []titled{sec}
	}
	out := make([]titled, len(blocks))
	for i, b := range blocks {
		out[i] = titled{title: fmt.Sprintf("%s (part %d)", sec.title, i+1), content: b}
	}
	return out
}

// fixedSplit cuts a document with no detectable structure into FixedSize
// pieces sharing Overlap characters.
func (e *Extractor) fixedSplit(name, text string) []titled {
	pieces := splitRunes(text, e.opts.FixedSize, e.opts.Overlap)
	if len(pieces) == 1 {
		return []titled{{title: name, content: strings.TrimSpace(text)}}
	}
	out := make([]titled, 0, len(pieces))
	for i, p := range pieces {
		out = append(out, titled{title: fmt.Sprintf("%s (part %d)", name, i+1), content: strings.TrimSpace(p)})
	}
	return out
}
