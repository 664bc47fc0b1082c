package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/testplan-agent/internal/docstore"
)

var _ docstore.Store = (*DB)(nil)

// -----------------------------------------------------------------------------
// Document Store Methods
// -----------------------------------------------------------------------------

// Reconstruct joins every chunk belonging to documentID in chunk order.
// A row whose id equals documentID is treated as a single-chunk document.
func (db *DB) Reconstruct(ctx context.Context, documentID, collection string) (*docstore.Reconstructed, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT document, metadata
		 FROM documents
		 WHERE collection = $1 AND (id = $2 OR metadata->>'document_id' = $2)
		 ORDER BY CASE WHEN metadata->>'chunk_index' ~ '^[0-9]+$'
		               THEN (metadata->>'chunk_index')::int ELSE 0 END,
		          created_at, id`,
		collection, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query document %s: %w", documentID, err)
	}
	defer rows.Close()

	var parts []string
	var name string
	for rows.Next() {
		var text string
		var metaJSON []byte
		if err := rows.Scan(&text, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if name == "" {
			name = documentName(decodeMetadata(metaJSON))
		}
		parts = append(parts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, documentID)
	}
	if name == "" {
		name = documentID
	}

	return &docstore.Reconstructed{
		DocumentID:   documentID,
		DocumentName: name,
		Content:      strings.Join(parts, "\n"),
	}, nil
}

// ListDocuments returns every chunk in a collection in insertion order.
func (db *DB) ListDocuments(ctx context.Context, collection string) (*docstore.Listing, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, document, metadata FROM documents
		 WHERE collection = $1
		 ORDER BY created_at, id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	listing := &docstore.Listing{}
	for rows.Next() {
		var id, text string
		var metaJSON []byte
		if err := rows.Scan(&id, &text, &metaJSON); err != nil {
			return nil, err
		}
		listing.IDs = append(listing.IDs, id)
		listing.Documents = append(listing.Documents, text)
		listing.Metadatas = append(listing.Metadatas, decodeMetadata(metaJSON))
	}
	return listing, rows.Err()
}

// CreateCollection creates a collection if it does not already exist.
func (db *DB) CreateCollection(ctx context.Context, name string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

// AddDocuments upserts documents in one transaction.
func (db *DB) AddDocuments(ctx context.Context, collection string, ids, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(documents) {
		return fmt.Errorf("ids and documents length mismatch: %d != %d", len(ids), len(documents))
	}

	batch := &pgx.Batch{}
	for i, id := range ids {
		var meta map[string]any
		if i < len(metadatas) {
			meta = metadatas[i]
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", id, err)
		}
		batch.Queue(
			`INSERT INTO documents (collection, id, document, metadata)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (collection, id) DO UPDATE
			 SET document = EXCLUDED.document, metadata = EXCLUDED.metadata`,
			collection, id, documents[i], metaJSON,
		)
	}

	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range ids {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to add documents: %w", err)
			}
		}
		return results.Close()
	})
}

// RemoveDocuments deletes documents by id.
func (db *DB) RemoveDocuments(ctx context.Context, collection string, ids []string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = ANY($2)`,
		collection, ids,
	)
	if err != nil {
		return fmt.Errorf("failed to remove documents: %w", err)
	}
	return nil
}

// decodeMetadata parses a JSONB metadata column, returning nil on bad input.
func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}

// documentName picks the display name of a document from chunk metadata.
func documentName(meta map[string]any) string {
	for _, key := range []string{"document_name", "source", "filename"} {
		if v := docstore.MetaString(meta, key); v != "" {
			return v
		}
	}
	return ""
}
