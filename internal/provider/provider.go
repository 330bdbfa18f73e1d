// Package provider resolves manga metadata and chapter page URLs through the
// content-source extension gateway.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound indicates the gateway has no record of the requested manga or
// chapter.
var ErrNotFound = errors.New("provider: not found")

// ChapterInfo describes one chapter as listed by the content source.
type ChapterInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Number string `json:"number"`
}

// MangaDetails is the full metadata record for one manga.
type MangaDetails struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CoverURL    string        `json:"coverUrl"`
	Chapters    []ChapterInfo `json:"chapters"`
}

// Page is one page image reference within a chapter, ordered by Index.
type Page struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Provider defines the content-source operations the download subsystem needs.
type Provider interface {
	MangaDetails(ctx context.Context, extensionID, mangaID string) (*MangaDetails, error)
	ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]Page, error)
}
