package sections

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRunRe      = regexp.MustCompile(`[ \t]+`)
	excessBlankRe   = regexp.MustCompile(`\n\n\n+`)
	htmlLeadRe      = regexp.MustCompile(`(?is)^\s*(<!doctype html|<html|<body|<div|<h[1-6]|<p[\s>]|<section|<article)`)
	escapedOutline  = regexp.MustCompile(`(?m)^(#*\s*\d+)\\\.`)
	strippedHTMLTag = []string{"script", "style", "nav", "noscript", "iframe", "form"}
)

// CleanText normalizes line endings and whitespace while keeping headings,
// bullets and paragraph breaks intact.
func CleanText(content string) string {
	if content == "" {
		return ""
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = strings.ReplaceAll(content, "\u00a0", " ")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = cleanLine(line)
	}

	result := strings.Join(lines, "\n")
	result = excessBlankRe.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

func cleanLine(line string) string {
	line = strings.TrimRight(line, " \t")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return ""
	}
	// Markdown headings lose their indentation so detection sees them at column 0
	if strings.HasPrefix(trimmed, "#") {
		return trimmed
	}
	indent := len(line) - len(trimmed)
	return strings.Repeat(" ", indent) + spaceRunRe.ReplaceAllString(trimmed, " ")
}

// LooksLikeHTML reports whether content starts with a recognisable HTML tag.
func LooksLikeHTML(content string) bool {
	return htmlLeadRe.MatchString(content)
}

// HTMLToMarkdown strips non-content elements and converts the remainder to
// markdown so heading detection can work on it.
func HTMLToMarkdown(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	for _, tag := range strippedHTMLTag {
		doc.Find(tag).Remove()
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	inner, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	markdown, err := converter.ConvertString(inner)
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	// Outline numbers come back escaped as "1\. Scope"
	return escapedOutline.ReplaceAllString(markdown, "$1."), nil
}

// splitRunes cuts s into pieces of at most size characters, preferring to
// break after a newline in the back half of each window. Consecutive pieces
// share overlap characters.
func splitRunes(s string, size, overlap int) []string {
	runes := []rune(s)
	if size <= 0 || len(runes) <= size {
		return []string{s}
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = 0
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		for i := end - 1; i > start+size/2; i-- {
			if runes[i] == '\n' {
				end = i + 1
				break
			}
		}
		pieces = append(pieces, string(runes[start:end]))
		start = end - overlap
	}
	return pieces
}

func charLen(s string) int {
	return utf8.RuneCountInString(s)
}
