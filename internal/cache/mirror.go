package cache

import (
	"context"
	"fmt"
	"time"
)

// FetchFunc performs the real network read for a key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Mirror applies the two caching strategies over a Store.
type Mirror struct {
	store  *Store
	window time.Duration
	now    func() time.Time
}

func NewMirror(store *Store, freshness time.Duration) *Mirror {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Mirror{store: store, window: freshness, now: time.Now}
}

func (m *Mirror) fresh(entry *Entry) bool {
	return entry != nil && m.now().Sub(entry.FetchedAt) < m.window
}

// NetworkFirst tries the network and caches a success; on failure it
// falls back to whatever is cached regardless of age. Used for remote
// store reads, where a stale list beats an error page.
func (m *Mirror) NetworkFirst(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	body, err := fetch(ctx)
	if err == nil {
		_ = m.store.Put(ctx, key, body)
		return body, nil
	}

	entry, cacheErr := m.store.Get(ctx, key)
	if cacheErr == nil && entry != nil {
		return entry.Body, nil
	}
	return nil, fmt.Errorf("network failed and no cached copy: %w", err)
}

// CacheFirst serves a fresh cached entry without touching the network;
// otherwise it fetches and refreshes the cache, degrading to a stale
// entry when the fetch fails.
func (m *Mirror) CacheFirst(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	entry, err := m.store.Get(ctx, key)
	if err == nil && m.fresh(entry) {
		return entry.Body, nil
	}

	body, fetchErr := fetch(ctx)
	if fetchErr == nil {
		_ = m.store.Put(ctx, key, body)
		return body, nil
	}
	if entry != nil {
		return entry.Body, nil
	}
	return nil, fmt.Errorf("fetch failed and no cached copy: %w", fetchErr)
}
