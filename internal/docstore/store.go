// Package docstore defines the document store the pipeline reads source
// documents from and writes generated test plans to.
package docstore

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound is returned when a document cannot be reconstructed.
var ErrNotFound = errors.New("document not found")

// Reconstructed is the full text of one source document.
type Reconstructed struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Content      string `json:"content"`
}

// Listing is a raw chunk listing of a collection. The three slices are parallel.
type Listing struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

// Len returns the number of chunks in the listing. A store returning slices
// of different lengths is trusted only up to the shorter of IDs and Documents.
func (l *Listing) Len() int {
	if l == nil {
		return 0
	}
	return min(len(l.IDs), len(l.Documents))
}

// Metadata returns the metadata of chunk i, or nil.
func (l *Listing) Metadata(i int) map[string]any {
	if i < len(l.Metadatas) {
		return l.Metadatas[i]
	}
	return nil
}

// Store is the document store interface the pipeline depends on.
type Store interface {
	Reconstruct(ctx context.Context, documentID, collection string) (*Reconstructed, error)
	ListDocuments(ctx context.Context, collection string) (*Listing, error)
	CreateCollection(ctx context.Context, name string) error
	AddDocuments(ctx context.Context, collection string, ids, documents []string, metadatas []map[string]any) error
	RemoveDocuments(ctx context.Context, collection string, ids []string) error
}

// MetaString reads a string-ish metadata value.
func MetaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// MetaInt reads an integer metadata value, returning def when absent.
func MetaInt(meta map[string]any, key string, def int) int {
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
