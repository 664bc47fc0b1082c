package docstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of reconstructed documents kept in memory.
const DefaultCacheSize = 50

type cacheKey struct {
	collection string
	documentID string
}

// Cached wraps a Store with a bounded LRU cache of reconstructed documents.
// All other operations pass through.
type Cached struct {
	Store
	cache *lru.Cache[cacheKey, *Reconstructed]
}

// NewCached creates a cache of the given size in front of store.
func NewCached(store Store, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, *Reconstructed](size)
	if err != nil {
		return nil, err
	}
	return &Cached{Store: store, cache: cache}, nil
}

// Reconstruct returns the cached document or fetches and caches it.
func (c *Cached) Reconstruct(ctx context.Context, documentID, collection string) (*Reconstructed, error) {
	key := cacheKey{collection: collection, documentID: documentID}
	if doc, ok := c.cache.Get(key); ok {
		return doc, nil
	}
	doc, err := c.Store.Reconstruct(ctx, documentID, collection)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, doc)
	return doc, nil
}

// Uncached returns the wrapped store, bypassing the cache.
func (c *Cached) Uncached() Store {
	return c.Store
}

// RemoveDocuments drops removed ids from the cache before delegating.
func (c *Cached) RemoveDocuments(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		c.cache.Remove(cacheKey{collection: collection, documentID: id})
	}
	return c.Store.RemoveDocuments(ctx, collection, ids)
}

// Len returns the number of cached documents.
func (c *Cached) Len() int {
	return c.cache.Len()
}
