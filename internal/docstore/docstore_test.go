package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps Memory and counts Reconstruct calls
type countingStore struct {
	*Memory
	reconstructs int
}

func (c *countingStore) Reconstruct(ctx context.Context, id, collection string) (*Reconstructed, error) {
	c.reconstructs++
	return c.Memory.Reconstruct(ctx, id, collection)
}

func seedMemory(t *testing.T, m *Memory, collection string, docs int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateCollection(ctx, collection))
	for i := 0; i < docs; i++ {
		id := fmt.Sprintf("doc-%d", i)
		require.NoError(t, m.AddDocuments(ctx, collection,
			[]string{id + "_1", id + "_0"},
			[]string{"second chunk", "first chunk"},
			[]map[string]any{
				{"document_id": id, "document_name": id + ".pdf", "chunk_index": float64(1)},
				{"document_id": id, "document_name": id + ".pdf", "chunk_index": float64(0)},
			}))
	}
}

func TestMemory_ReconstructOrdersChunks(t *testing.T) {
	m := NewMemory()
	seedMemory(t, m, "specs", 1)

	doc, err := m.Reconstruct(context.Background(), "doc-0", "specs")
	require.NoError(t, err)
	assert.Equal(t, "first chunk\nsecond chunk", doc.Content)
	assert.Equal(t, "doc-0.pdf", doc.DocumentName)

	_, err = m.Reconstruct(context.Background(), "missing", "specs")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RemoveDocuments(t *testing.T) {
	m := NewMemory()
	seedMemory(t, m, "specs", 2)

	require.NoError(t, m.RemoveDocuments(context.Background(), "specs", []string{"doc-0_0", "doc-0_1"}))

	listing, err := m.ListDocuments(context.Background(), "specs")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1_1", "doc-1_0"}, listing.IDs)
}

func TestCached_HitsAndEviction(t *testing.T) {
	inner := &countingStore{Memory: NewMemory()}
	seedMemory(t, inner.Memory, "specs", 3)

	cached, err := NewCached(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Reconstruct(ctx, "doc-0", "specs")
	require.NoError(t, err)
	_, err = cached.Reconstruct(ctx, "doc-0", "specs")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reconstructs)

	// Filling past capacity evicts the least recently used entry
	_, _ = cached.Reconstruct(ctx, "doc-1", "specs")
	_, _ = cached.Reconstruct(ctx, "doc-2", "specs")
	assert.Equal(t, 2, cached.Len())
	_, _ = cached.Reconstruct(ctx, "doc-0", "specs")
	assert.Equal(t, 4, inner.reconstructs)
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	inner := &countingStore{Memory: NewMemory()}
	cached, err := NewCached(inner, 0)
	require.NoError(t, err)

	_, err = cached.Reconstruct(context.Background(), "nope", "specs")
	assert.Error(t, err)
	assert.Equal(t, 0, cached.Len())
}

func TestHTTPClient_Reconstruct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents/reconstruct/doc-1", r.URL.Path)
		assert.Equal(t, "specs", r.URL.Query().Get("collection_name"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"content":       "# 1. Scope\nbody",
			"document_name": "spec.pdf",
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	doc, err := client.Reconstruct(context.Background(), "doc-1", "specs")
	require.NoError(t, err)
	assert.Equal(t, "spec.pdf", doc.DocumentName)
	assert.Equal(t, "# 1. Scope\nbody", doc.Content)
}

func TestHTTPClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).Reconstruct(context.Background(), "doc-1", "specs")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPClient_CreateCollectionConflictIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	assert.NoError(t, NewHTTPClient(srv.URL, time.Second).CreateCollection(context.Background(), "plans"))
}

func TestHTTPClient_AddDocumentsSendsBody(t *testing.T) {
	var got Listing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/plans/documents", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, time.Second).AddDocuments(context.Background(), "plans",
		[]string{"testplan_r1"}, []string{"plan text"}, []map[string]any{{"run_id": "r1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"testplan_r1"}, got.IDs)
	assert.Equal(t, "r1", got.Metadatas[0]["run_id"])
}

func TestMetaHelpers(t *testing.T) {
	meta := map[string]any{"page_number": float64(3), "section_title": "Scope", "chunk_index": "7"}
	assert.Equal(t, "3", MetaString(meta, "page_number"))
	assert.Equal(t, "Scope", MetaString(meta, "section_title"))
	assert.Equal(t, 7, MetaInt(meta, "chunk_index", 0))
	assert.Equal(t, -1, MetaInt(meta, "missing", -1))
}
