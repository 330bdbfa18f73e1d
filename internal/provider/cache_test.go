package provider

import (
	"context"
	"testing"
	"time"
)

type countingProvider struct {
	detailCalls int
	pageCalls   int
}

func (p *countingProvider) MangaDetails(ctx context.Context, extensionID, mangaID string) (*MangaDetails, error) {
	p.detailCalls++
	return &MangaDetails{Title: "Manga " + mangaID}, nil
}

func (p *countingProvider) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]Page, error) {
	p.pageCalls++
	return []Page{{Index: 0, URL: "http://img/1.jpg"}}, nil
}

func TestCachedReusesFreshEntries(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, time.Minute, 16)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
			t.Fatalf("manga details: %v", err)
		}
		if _, err := cached.ChapterPages(ctx, "ext", "m1", "c1"); err != nil {
			t.Fatalf("chapter pages: %v", err)
		}
	}
	if inner.detailCalls != 1 || inner.pageCalls != 1 {
		t.Fatalf("expected 1 call each, got details=%d pages=%d", inner.detailCalls, inner.pageCalls)
	}
}

func TestCachedExpiresEntries(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, time.Minute, 16)

	current := time.Now()
	cached.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
		t.Fatalf("manga details: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
		t.Fatalf("manga details after expiry: %v", err)
	}
	if inner.detailCalls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", inner.detailCalls)
	}
}

func TestCachedEvictsOldestAtCapacity(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, time.Hour, 2)

	current := time.Now()
	cached.now = func() time.Time { return current }

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := cached.MangaDetails(ctx, "ext", id); err != nil {
			t.Fatalf("manga details %s: %v", id, err)
		}
		current = current.Add(time.Second)
	}
	// m1 was evicted when m3 arrived.
	if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
		t.Fatalf("manga details m1: %v", err)
	}
	if inner.detailCalls != 4 {
		t.Fatalf("expected eviction refetch, got %d calls", inner.detailCalls)
	}
}

func TestCachedInvalidateManga(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, time.Hour, 16)

	ctx := context.Background()
	if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
		t.Fatalf("manga details: %v", err)
	}
	if _, err := cached.ChapterPages(ctx, "ext", "m1", "c1"); err != nil {
		t.Fatalf("chapter pages: %v", err)
	}
	if _, err := cached.MangaDetails(ctx, "ext", "m2"); err != nil {
		t.Fatalf("manga details m2: %v", err)
	}

	cached.InvalidateManga("ext", "m1")

	if _, err := cached.MangaDetails(ctx, "ext", "m1"); err != nil {
		t.Fatalf("manga details after invalidate: %v", err)
	}
	if _, err := cached.MangaDetails(ctx, "ext", "m2"); err != nil {
		t.Fatalf("manga details m2 cached: %v", err)
	}
	if inner.detailCalls != 3 {
		t.Fatalf("invalidate must only drop m1 entries, got %d calls", inner.detailCalls)
	}
}
