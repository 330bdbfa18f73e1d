package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cached wraps a Provider with a TTL cache so repeated reads of the same
// manga do not hammer the gateway. Entries are evicted when they expire or
// when the cache exceeds its capacity, oldest first.
type Cached struct {
	inner      Provider
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner with a TTL cache. A non-positive ttl or maxEntries
// falls back to sane defaults.
func NewCached(inner Provider, ttl time.Duration, maxEntries int) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Cached{
		inner:      inner,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
		now:        time.Now,
	}
}

// MangaDetails returns cached details when fresh, otherwise asks the inner
// provider and stores the result.
func (c *Cached) MangaDetails(ctx context.Context, extensionID, mangaID string) (*MangaDetails, error) {
	key := detailsKey(extensionID, mangaID)
	if cached, ok := c.lookup(key); ok {
		return cached.(*MangaDetails), nil
	}
	details, err := c.inner.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		return nil, err
	}
	c.store(key, details)
	return details, nil
}

// ChapterPages returns cached page lists when fresh, otherwise asks the inner
// provider and stores the result.
func (c *Cached) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]Page, error) {
	key := pagesKey(extensionID, mangaID, chapterID)
	if cached, ok := c.lookup(key); ok {
		return cached.([]Page), nil
	}
	pages, err := c.inner.ChapterPages(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return nil, err
	}
	c.store(key, pages)
	return pages, nil
}

// InvalidateManga drops every cached entry for one manga so the next read
// reaches the gateway again.
func (c *Cached) InvalidateManga(extensionID, mangaID string) {
	prefix := fmt.Sprintf("%s\x00%s\x00", extensionID, mangaID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

func (c *Cached) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *Cached) store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{value: value, storedAt: c.now()}
	if len(c.entries) <= c.maxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	delete(c.entries, oldestKey)
}

func detailsKey(extensionID, mangaID string) string {
	return fmt.Sprintf("%s\x00%s\x00details", extensionID, mangaID)
}

func pagesKey(extensionID, mangaID, chapterID string) string {
	return fmt.Sprintf("%s\x00%s\x00pages\x00%s", extensionID, mangaID, chapterID)
}
