package api

import (
	"context"
	"errors"
	"time"

	"github.com/maypok86/otter"

	"github.com/ternhq/tern/internal/store"
)

// keyCacheTTL bounds how long a revoked key keeps ingesting. Deactivating a
// key takes effect within this window.
const keyCacheTTL = 30 * time.Second

// keyCache caches API key lookups for the ingest hot path, backed by an
// otter cache with TTL expiry. Only successful lookups are cached, so
// unknown-key probing always hits the store.
type keyCache struct {
	cache otter.Cache[string, store.Project]
	store *store.Store
}

func newKeyCache(st *store.Store) *keyCache {
	cache, err := otter.MustBuilder[string, store.Project](4096).
		WithTTL(keyCacheTTL).
		Build()
	if err != nil {
		panic("api: failed to create key cache: " + err.Error())
	}
	return &keyCache{cache: cache, store: st}
}

// Lookup resolves an API key to its project, consulting the cache first.
// Returns store.ErrNotFound for unknown or inactive keys.
func (c *keyCache) Lookup(ctx context.Context, key string) (store.Project, error) {
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}
	p, err := c.store.ProjectByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, store.ErrNotFound
		}
		return store.Project{}, err
	}
	c.cache.Set(key, p)
	return p, nil
}
