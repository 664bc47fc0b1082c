// Package sections turns reconstructed documents and raw chunk listings into
// titled sections for parallel processing.
package sections

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/types"
)

// Options tunes section extraction.
type Options struct {
	// SplitThreshold is the size above which a natural section is split.
	SplitThreshold int
	// BlockSize caps paragraph-accumulated blocks.
	BlockSize int
	// FixedSize is the piece size for documents with no structure.
	FixedSize int
	// Overlap is shared between consecutive fixed-size pieces.
	Overlap int
	// Concurrency bounds parallel document reconstruction.
	Concurrency int
	// FetchTimeout bounds a single reconstruction call.
	FetchTimeout time.Duration
	// MinUsableChars is the minimum text length the last-resort path accepts.
	MinUsableChars int
	// SampleDocuments is how many raw documents the last-resort path reads.
	SampleDocuments int
}

// DefaultOptions returns the standard extraction settings.
func DefaultOptions() Options {
	return Options{
		SplitThreshold:  8000,
		BlockSize:       5000,
		FixedSize:       6000,
		Overlap:         200,
		Concurrency:     4,
		FetchTimeout:    60 * time.Second,
		MinUsableChars:  50,
		SampleDocuments: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SplitThreshold <= 0 {
		o.SplitThreshold = d.SplitThreshold
	}
	if o.BlockSize <= 0 || o.BlockSize > o.SplitThreshold {
		o.BlockSize = min(d.BlockSize, o.SplitThreshold)
	}
	if o.FixedSize <= 0 {
		o.FixedSize = d.FixedSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout
	}
	if o.MinUsableChars <= 0 {
		o.MinUsableChars = d.MinUsableChars
	}
	if o.SampleDocuments <= 0 {
		o.SampleDocuments = d.SampleDocuments
	}
	return o
}

// Source names the documents to extract from. With no DocumentIDs the whole
// collection is scanned.
type Source struct {
	Collection  string   `json:"collection"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Extractor produces sections from a document store.
type Extractor struct {
	store  docstore.Store
	opts   Options
	logger *slog.Logger
}

// NewExtractor creates an Extractor. A nil logger uses slog.Default.
func NewExtractor(store docstore.Store, opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "section_extractor"),
	}
}

// Extract returns sections in document order. Unreachable documents are
// skipped. The result may be empty; callers then try LastResort.
func (e *Extractor) Extract(ctx context.Context, src Source) ([]types.Section, error) {
	if len(src.DocumentIDs) == 0 {
		return e.fromCollection(ctx, src.Collection)
	}

	docs := e.reconstructAll(ctx, e.store, src)
	multi := len(docs) > 1

	var all []titled
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		secs := e.fromText(doc.DocumentName, doc.Content)
		if multi {
			for i := range secs {
				secs[i].title = doc.DocumentName + " - " + secs[i].title
			}
		}
		all = append(all, secs...)
	}
	return finalize(all), nil
}

// FromText sections a single document's text without touching the store.
func (e *Extractor) FromText(name, text string) []types.Section {
	return finalize(e.fromText(name, text))
}

func (e *Extractor) fromText(name, text string) []titled {
	if LooksLikeHTML(text) {
		converted, err := HTMLToMarkdown(text)
		if err != nil {
			e.logger.Warn("html normalisation failed, using raw text", "document", name, "error", err)
		} else {
			text = converted
		}
	}
	text = CleanText(text)
	if text == "" {
		return nil
	}

	natural := naturalSections(text)
	if len(natural) == 0 {
		e.logger.Debug("no natural sections, using fixed-size split", "document", name)
		return e.fixedSplit(name, text)
	}

	var out []titled
	for _, sec := range natural {
		out = append(out, e.splitLarge(sec)...)
	}
	return out
}

// reconstructAll fetches documents concurrently. Failed documents are nil.
func (e *Extractor) reconstructAll(ctx context.Context, store docstore.Store, src Source) []*docstore.Reconstructed {
	docs := make([]*docstore.Reconstructed, len(src.DocumentIDs))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, id := range src.DocumentIDs {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
			defer cancel()

			doc, err := store.Reconstruct(fetchCtx, id, src.Collection)
			if err != nil {
				e.logger.Warn("skipping document", "document_id", id, "error", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	_ = g.Wait()
	return docs
}

type chunk struct {
	order int
	index int
	text  string
}

type group struct {
	doc    string
	label  string
	chunks []chunk
}

// fromCollection groups raw chunks by document and section title or page.
func (e *Extractor) fromCollection(ctx context.Context, collection string) ([]types.Section, error) {
	listing, err := e.store.ListDocuments(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}
	if listing.Len() == 0 {
		return nil, nil
	}

	var groups []*group
	byKey := make(map[string]*group)
	docNames := make(map[string]bool)
	keyed := false

	for i, text := range listing.Documents {
		meta := listing.Metadata(i)
		doc := docstore.MetaString(meta, "document_name")
		if doc == "" {
			doc = docstore.MetaString(meta, "source")
		}
		label := docstore.MetaString(meta, "section_title")
		if label == "" {
			if page := docstore.MetaString(meta, "page_number"); page != "" {
				label = "Page " + page
			}
		}
		if label != "" {
			keyed = true
		}
		docNames[doc] = true

		k := doc + "\x00" + label
		g, ok := byKey[k]
		if !ok {
			g = &group{doc: doc, label: label}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.chunks = append(g.chunks, chunk{order: i, index: docstore.MetaInt(meta, "chunk_index", i), text: text})
	}

	if !keyed {
		var all []string
		for _, g := range groups {
			all = append(all, joinChunks(g.chunks))
		}
		return finalize([]titled{{title: collectionTitle(collection), content: strings.Join(all, "\n\n")}}), nil
	}

	multi := len(docNames) > 1
	var out []titled
	for _, g := range groups {
		title := g.label
		switch {
		case title == "":
			title = g.doc
		case multi && g.doc != "":
			title = g.doc + " - " + title
		}
		content := joinChunks(g.chunks)
		out = append(out, e.splitLarge(titled{title: title, content: CleanText(content)})...)
	}
	return finalize(out), nil
}

func joinChunks(chunks []chunk) string {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].index != chunks[j].index {
			return chunks[i].index < chunks[j].index
		}
		return chunks[i].order < chunks[j].order
	})
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.text)
	}
	return strings.Join(parts, "\n")
}

func collectionTitle(collection string) string {
	if collection == "" {
		return "Document"
	}
	return collection
}

// LastResort tries harder when Extract found nothing: reconstruct the named
// documents again bypassing any cache, or sample the first few raw documents
// of the collection, then size-split whatever text comes back.
func (e *Extractor) LastResort(ctx context.Context, src Source) ([]types.Section, error) {
	store := e.store
	if c, ok := store.(interface{ Uncached() docstore.Store }); ok {
		store = c.Uncached()
	}

	var out []titled
	if len(src.DocumentIDs) > 0 {
		for _, doc := range e.reconstructAll(ctx, store, src) {
			if doc == nil {
				continue
			}
			text := strings.TrimSpace(doc.Content)
			if charLen(text) > e.opts.MinUsableChars {
				out = append(out, e.fixedSplit(doc.DocumentName, text)...)
			}
		}
		if len(out) > 0 {
			return finalize(out), nil
		}
	}

	listing, err := store.ListDocuments(ctx, src.Collection)
	if err != nil {
		return nil, fmt.Errorf("last resort listing failed: %w", err)
	}
	n := min(listing.Len(), e.opts.SampleDocuments)
	text := strings.TrimSpace(strings.Join(listing.Documents[:n], "\n\n"))
	if charLen(text) <= e.opts.MinUsableChars {
		return nil, nil
	}
	return finalize(e.fixedSplit(collectionTitle(src.Collection), text)), nil
}

// finalize drops empty sections, disambiguates repeated titles and assigns
// indexes in input order.
func finalize(in []titled) []types.Section {
	seen := make(map[string]int)
	out := make([]types.Section, 0, len(in))
	for _, s := range in {
		content := strings.TrimSpace(s.content)
		if content == "" {
			continue
		}
		title := strings.TrimSpace(s.title)
		if title == "" {
			title = "Untitled"
		}
		seen[title]++
		if n := seen[title]; n > 1 {
			title = fmt.Sprintf("%s (%d)", title, n)
		}
		out = append(out, types.Section{Title: title, Content: content, Status: types.SectionPending})
	}
	return types.Reindex(out)
}
