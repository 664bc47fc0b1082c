package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the document ingestion server's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the ingestion server at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError reports a non-2xx response from the ingestion server.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Reconstruct fetches the full text of a document.
func (c *HTTPClient) Reconstruct(ctx context.Context, documentID, collection string) (*Reconstructed, error) {
	path := "/documents/reconstruct/" + url.PathEscape(documentID) + "?collection_name=" + url.QueryEscape(collection)

	var resp struct {
		Content      string `json:"content"`
		DocumentName string `json:"document_name"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return nil, err
	}
	return &Reconstructed{DocumentID: documentID, DocumentName: resp.DocumentName, Content: resp.Content}, nil
}

// ListDocuments returns every chunk of a collection.
func (c *HTTPClient) ListDocuments(ctx context.Context, collection string) (*Listing, error) {
	var listing Listing
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(collection)+"/documents", nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// CreateCollection creates a collection; an existing collection is not an error.
func (c *HTTPClient) CreateCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodPost, "/collections?collection_name="+url.QueryEscape(name), nil, nil)
	if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// AddDocuments writes documents with their metadata into a collection.
func (c *HTTPClient) AddDocuments(ctx context.Context, collection string, ids, documents []string, metadatas []map[string]any) error {
	body := Listing{IDs: ids, Documents: documents, Metadatas: metadatas}
	return c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/documents", body, nil)
}

// RemoveDocuments deletes documents by id.
func (c *HTTPClient) RemoveDocuments(ctx context.Context, collection string, ids []string) error {
	body := map[string][]string{"ids": ids}
	return c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection)+"/documents", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
