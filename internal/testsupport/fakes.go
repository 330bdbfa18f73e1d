package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tankobon/internal/provider"
)

// FakeProvider is an in-memory content source for tests.
type FakeProvider struct {
	mu     sync.Mutex
	mangas map[string]*provider.MangaDetails
	pages  map[string][]provider.Page

	detailCalls int
	pageCalls   int

	// DetailsErr, when set, is returned by every MangaDetails call.
	DetailsErr error
	// PagesErr, when set, is returned by every ChapterPages call.
	PagesErr error
}

var _ provider.Provider = (*FakeProvider)(nil)

// NewFakeProvider creates an empty fake content source.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		mangas: make(map[string]*provider.MangaDetails),
		pages:  make(map[string][]provider.Page),
	}
}

// AddManga registers manga details served by the fake.
func (p *FakeProvider) AddManga(mangaID string, details provider.MangaDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := details
	p.mangas[mangaID] = &cp
}

// SetPages registers the page list for one chapter.
func (p *FakeProvider) SetPages(mangaID, chapterID string, urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := make([]provider.Page, len(urls))
	for i, u := range urls {
		pages[i] = provider.Page{Index: i, URL: u}
	}
	p.pages[mangaID+"\x00"+chapterID] = pages
}

// DetailCalls returns how many MangaDetails calls the fake served.
func (p *FakeProvider) DetailCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detailCalls
}

// PageCalls returns how many ChapterPages calls the fake served.
func (p *FakeProvider) PageCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCalls
}

func (p *FakeProvider) MangaDetails(ctx context.Context, extensionID, mangaID string) (*provider.MangaDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailCalls++
	if p.DetailsErr != nil {
		return nil, p.DetailsErr
	}
	details, ok := p.mangas[mangaID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *details
	return &cp, nil
}

func (p *FakeProvider) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]provider.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageCalls++
	if p.PagesErr != nil {
		return nil, p.PagesErr
	}
	pages, ok := p.pages[mangaID+"\x00"+chapterID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := make([]provider.Page, len(pages))
	copy(cp, pages)
	return cp, nil
}

// ImageServer starts an HTTP server that answers every request with a small
// generated PNG, suitable as a page or cover origin. It is shut down with
// the test.
func ImageServer(t testing.TB) *httptest.Server {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 3, 4))
	for x := 0; x < 3; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(40 * y), B: uint8(60 * x), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	payload := buf.Bytes()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

// PageURLs builds n page URLs against an image server base URL.
func PageURLs(baseURL string, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/pages/%03d.png", baseURL, i+1)
	}
	return urls
}
