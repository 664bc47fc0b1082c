package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Chunks belonging to the same document
// share a "document_id" metadata value and are ordered by "chunk_index".
// It backs dry runs of the CLI and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]memoryDoc
	order       map[string][]string

	// AddCalls counts AddDocuments invocations.
	AddCalls int
}

type memoryDoc struct {
	text string
	meta map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]memoryDoc),
		order:       make(map[string][]string),
	}
}

// Reconstruct concatenates every chunk of documentID in chunk order.
func (m *Memory) Reconstruct(_ context.Context, documentID, collection string) (*Reconstructed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}

	type chunk struct {
		index int
		text  string
		name  string
	}
	var chunks []chunk
	for _, id := range m.order[collection] {
		doc := docs[id]
		if id != documentID && MetaString(doc.meta, "document_id") != documentID {
			continue
		}
		name := MetaString(doc.meta, "document_name")
		if name == "" {
			name = MetaString(doc.meta, "source")
		}
		chunks = append(chunks, chunk{index: MetaInt(doc.meta, "chunk_index", 0), text: doc.text, name: name})
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.text
	}
	name := chunks[0].name
	if name == "" {
		name = documentID
	}
	return &Reconstructed{DocumentID: documentID, DocumentName: name, Content: strings.Join(parts, "\n")}, nil
}

// ListDocuments returns the collection in insertion order.
func (m *Memory) ListDocuments(_ context.Context, collection string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listing := &Listing{}
	for _, id := range m.order[collection] {
		doc := m.collections[collection][id]
		listing.IDs = append(listing.IDs, id)
		listing.Documents = append(listing.Documents, doc.text)
		listing.Metadatas = append(listing.Metadatas, doc.meta)
	}
	return listing, nil
}

// CreateCollection creates the collection if it does not exist.
func (m *Memory) CreateCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = make(map[string]memoryDoc)
	}
	return nil
}

// AddDocuments upserts documents into an existing collection.
func (m *Memory) AddDocuments(_ context.Context, collection string, ids, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(documents) {
		return fmt.Errorf("ids and documents length mismatch: %d != %d", len(ids), len(documents))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	m.AddCalls++
	for i, id := range ids {
		var meta map[string]any
		if i < len(metadatas) {
			meta = metadatas[i]
		}
		if _, exists := docs[id]; !exists {
			m.order[collection] = append(m.order[collection], id)
		}
		docs[id] = memoryDoc{text: documents[i], meta: meta}
	}
	return nil
}

// RemoveDocuments deletes ids from a collection; unknown ids are ignored.
func (m *Memory) RemoveDocuments(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		delete(docs, id)
	}
	kept := m.order[collection][:0]
	for _, id := range m.order[collection] {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	m.order[collection] = kept
	return nil
}

// Get returns a stored document and its metadata.
func (m *Memory) Get(collection, id string) (string, map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	return doc.text, doc.meta, ok
}
