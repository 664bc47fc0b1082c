package sections

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/types"
)

func newStore(t *testing.T, collection string) *docstore.Memory {
	t.Helper()
	m := docstore.NewMemory()
	require.NoError(t, m.CreateCollection(context.Background(), collection))
	return m
}

func addDoc(t *testing.T, m *docstore.Memory, collection, id, name, text string) {
	t.Helper()
	require.NoError(t, m.AddDocuments(context.Background(), collection,
		[]string{id}, []string{text},
		[]map[string]any{{"document_id": id, "document_name": name, "chunk_index": float64(0)}}))
}

func titles(secs []types.Section) []string {
	out := make([]string, len(secs))
	for i, s := range secs {
		out[i] = s.Title
	}
	return out
}

func TestSortTitles_NumericOutline(t *testing.T) {
	got := SortTitles([]string{"2.1 Foo", "Intro", "1.3 Bar", "1.2.1 Baz"})
	assert.Equal(t, []string{"1.2.1 Baz", "1.3 Bar", "2.1 Foo", "Intro"}, got)
}

func TestSortTitles_StableAndNonNumericLast(t *testing.T) {
	in := []string{"Glossary", "10 Tail", "2 Two", "Annex", "2 Two again", "1.10 Late", "1.9 Early"}
	got := SortTitles(in)
	assert.Equal(t, []string{"1.9 Early", "1.10 Late", "2 Two", "2 Two again", "10 Tail", "Glossary", "Annex"}, got)

	var prev []int
	for _, title := range got {
		key, ok := OutlineKey(title)
		if !ok {
			break
		}
		if prev != nil {
			assert.LessOrEqual(t, CompareOutline(prev, key), 0)
		}
		prev = key
	}
}

func TestOutlineKey(t *testing.T) {
	tests := []struct {
		title string
		want  []int
		ok    bool
	}{
		{"4.2 Interface Requirements", []int{4, 2}, true},
		{"1. Scope", []int{1}, true},
		{"spec.pdf - 3.1.4 Timing", []int{3, 1, 4}, true},
		{"Appendix A", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, ok := OutlineKey(tt.title)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want headerKind
	}{
		{"4.2 INTERFACE REQUIREMENTS", numericHeader},
		{"GENERAL PROVISIONS", capsHeader},
		{"THE SYSTEM OVERVIEW", keywordHeader},
		{"ABC", notHeader},
		{"SHALL BE VERIFIED.", notHeader},
		{"Appendix B: Test Equipment", structuralHeader},
		{"3. Appendix", structuralHeader},
		{"4.1 Part B", structuralHeader},
		{"Performance Specifications", keywordHeader},
		{"The device shall report its state within 5 seconds.", notHeader},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, _ := classifyLine(tt.line)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_MarkdownHeaders(t *testing.T) {
	m := newStore(t, "specs")
	addDoc(t, m, "specs", "doc", "spec.md",
		"# 1. Scope\nThis document covers the widget.\n\n# 2. Requirements\nThe widget shall start.\nThe widget shall stop.\n\n# Appendix\nExtra notes.\n")

	ex := NewExtractor(m, Options{}, nil)
	secs, err := ex.Extract(context.Background(), Source{Collection: "specs", DocumentIDs: []string{"doc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1. Scope", "2. Requirements", "Appendix"}, titles(secs))
	assert.Contains(t, secs[1].Content, "shall stop")
	assert.Equal(t, 2, secs[2].Index)
	assert.Equal(t, types.SectionPending, secs[0].Status)
}

func TestExtract_PlainTextHeadersAndPreamble(t *testing.T) {
	m := newStore(t, "specs")
	addDoc(t, m, "specs", "doc", "std.txt",
		"Issued by the working group in 2024.\n1 GENERAL PROVISIONS\nSome provisions apply here.\n2 ELECTRICAL LIMITS\nVoltage must stay within bounds.\n")

	secs, err := NewExtractor(m, Options{}, nil).Extract(context.Background(),
		Source{Collection: "specs", DocumentIDs: []string{"doc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Introduction", "1 GENERAL PROVISIONS", "2 ELECTRICAL LIMITS"}, titles(secs))
}

func TestExtract_PlainTextNumberedHeadings(t *testing.T) {
	m := newStore(t, "specs")
	addDoc(t, m, "specs", "doc", "std.txt",
		"1. Scope\nThis standard covers the radio unit.\n2. Requirements\nThe unit shall power on.\n3. Appendix\nNotes on test equipment.\n")

	secs, err := NewExtractor(m, Options{}, nil).Extract(context.Background(),
		Source{Collection: "specs", DocumentIDs: []string{"doc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1. Scope", "2. Requirements", "3. Appendix"}, titles(secs))
	assert.Equal(t, "Notes on test equipment.", secs[2].Content)
}

func TestExtract_MultipleDocumentsArePrefixedAndFailuresSkipped(t *testing.T) {
	m := newStore(t, "specs")
	addDoc(t, m, "specs", "a", "a.pdf", "# 1. Scope\nalpha scope")
	addDoc(t, m, "specs", "b", "b.pdf", "# 1. Scope\nbeta scope")

	secs, err := NewExtractor(m, Options{}, nil).Extract(context.Background(),
		Source{Collection: "specs", DocumentIDs: []string{"a", "missing", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf - 1. Scope", "b.pdf - 1. Scope"}, titles(secs))
}

func TestExtract_LargeSectionIsSplit(t *testing.T) {
	var b strings.Builder
	b.WriteString("# 3. Performance\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Paragraph %d: %s\n\n", i, strings.Repeat("the unit shall respond quickly ", 10))
	}
	m := newStore(t, "specs")
	addDoc(t, m, "specs", "doc", "perf.md", b.String())

	secs, err := NewExtractor(m, Options{}, nil).Extract(context.Background(),
		Source{Collection: "specs", DocumentIDs: []string{"doc"}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(secs), 2)
	for _, s := range secs {
		assert.LessOrEqual(t, len([]rune(s.Content)), 8000)
		assert.True(t, strings.HasPrefix(s.Title, "3. Performance (part "))
	}
}

func TestExtract_LargeSectionSplitsAtSubsections(t *testing.T) {
	var b strings.Builder
	b.WriteString("# 4. Interfaces\n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "4.%d Port %d\n%s\n", i, i, strings.Repeat("signal levels are defined here. ", 100))
	}
	ex := NewExtractor(docstore.NewMemory(), Options{}, nil)
	secs := ex.FromText("ports.md", b.String())
	assert.Equal(t, []string{"4.1 Port 1", "4.2 Port 2", "4.3 Port 3"}, titles(secs))
}

func TestExtract_NoStructureUsesFixedSplit(t *testing.T) {
	text := strings.Repeat("this text has no headings at all and keeps going on. ", 300)
	ex := NewExtractor(docstore.NewMemory(), Options{FixedSize: 6000, Overlap: 200}, nil)
	secs := ex.FromText("blob.txt", text)
	require.GreaterOrEqual(t, len(secs), 2)
	assert.Equal(t, "blob.txt (part 1)", secs[0].Title)
	for _, s := range secs {
		assert.LessOrEqual(t, len([]rune(s.Content)), 6000)
	}
}

func TestExtract_CollectionFallbackGroupsChunks(t *testing.T) {
	m := newStore(t, "specs")
	ctx := context.Background()
	require.NoError(t, m.AddDocuments(ctx, "specs",
		[]string{"c1", "c2", "c3", "c4"},
		[]string{"page two second", "page one", "page two first", "notes"},
		[]map[string]any{
			{"document_name": "d.pdf", "page_number": float64(2), "chunk_index": float64(1)},
			{"document_name": "d.pdf", "page_number": float64(1), "chunk_index": float64(0)},
			{"document_name": "d.pdf", "page_number": float64(2), "chunk_index": float64(0)},
			{"document_name": "d.pdf", "section_title": "Notes"},
		}))

	secs, err := NewExtractor(m, Options{}, nil).Extract(ctx, Source{Collection: "specs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Page 2", "Page 1", "Notes"}, titles(secs))
	assert.Equal(t, "page two first\npage two second", secs[0].Content)
}

func TestExtract_CollectionWithoutKeysIsOneSection(t *testing.T) {
	m := newStore(t, "specs")
	require.NoError(t, m.AddDocuments(context.Background(), "specs",
		[]string{"x", "y"}, []string{"first text", "second text"}, nil))

	secs, err := NewExtractor(m, Options{}, nil).Extract(context.Background(), Source{Collection: "specs"})
	require.NoError(t, err)
	require.Len(t, secs, 1)
	assert.Equal(t, "specs", secs[0].Title)
}

func TestLastResort_SamplesCollection(t *testing.T) {
	m := newStore(t, "specs")
	require.NoError(t, m.AddDocuments(context.Background(), "specs",
		[]string{"raw"}, []string{strings.Repeat("raw body text without any structure ", 5)}, nil))
	src := Source{Collection: "specs", DocumentIDs: []string{"gone"}}

	ex := NewExtractor(m, Options{}, nil)
	secs, err := ex.Extract(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, secs)

	secs, err = ex.LastResort(context.Background(), src)
	require.NoError(t, err)
	require.NotEmpty(t, secs)
	assert.NotEmpty(t, strings.TrimSpace(secs[0].Content))
}

func TestLastResort_RejectsTinyText(t *testing.T) {
	m := newStore(t, "specs")
	require.NoError(t, m.AddDocuments(context.Background(), "specs", []string{"x"}, []string{"tiny"}, nil))

	secs, err := NewExtractor(m, Options{}, nil).LastResort(context.Background(), Source{Collection: "specs"})
	require.NoError(t, err)
	assert.Empty(t, secs)
}

// skewedStore lists more ids than documents.
type skewedStore struct {
	docstore.Store
}

func (skewedStore) ListDocuments(context.Context, string) (*docstore.Listing, error) {
	return &docstore.Listing{
		IDs:       []string{"a", "b", "c"},
		Documents: []string{strings.Repeat("only one chunk came back from the store ", 5)},
	}, nil
}

func TestLastResort_MismatchedListing(t *testing.T) {
	ex := NewExtractor(skewedStore{Store: docstore.NewMemory()}, Options{}, nil)
	secs, err := ex.LastResort(context.Background(), Source{Collection: "specs"})
	require.NoError(t, err)
	require.Len(t, secs, 1)
	assert.Contains(t, secs[0].Content, "only one chunk")
}

func TestFinalize_DropsEmptyAndDisambiguates(t *testing.T) {
	secs := finalize([]titled{
		{title: "Scope", content: "a"},
		{title: "Empty", content: "   \n"},
		{title: "Scope", content: "b"},
	})
	assert.Equal(t, []string{"Scope", "Scope (2)"}, titles(secs))
	assert.Equal(t, 1, secs[1].Index)
}

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><style>p{}</style></head><body><h1>1. Scope</h1><p>The system shall boot.</p><script>x()</script><h2>2. Tests</h2><p>Run it.</p></body></html>`
	require.True(t, LooksLikeHTML(html))

	ex := NewExtractor(docstore.NewMemory(), Options{}, nil)
	secs := ex.FromText("page.html", html)
	assert.Equal(t, []string{"1. Scope", "2. Tests"}, titles(secs))
	assert.NotContains(t, secs[0].Content, "x()")
}

func TestCleanText(t *testing.T) {
	in := "  # Title  \r\n\r\n\r\n\r\nbody   with   spaces\t\n"
	assert.Equal(t, "# Title\n\nbody with spaces", CleanText(in))
}
