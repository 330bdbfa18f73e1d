package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MangaMetadata is the JSON sidecar written next to a manga's chapter
// directories. It mirrors the catalog rows so downloaded content stays
// browsable even if the catalog database is lost.
type MangaMetadata struct {
	ExtensionID    string            `json:"extensionId"`
	MangaID        string            `json:"mangaId"`
	Slug           string            `json:"slug"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	CoverFile      string            `json:"coverFile,omitempty"`
	TotalSizeBytes int64             `json:"totalSizeBytes"`
	DownloadedAt   time.Time         `json:"downloadedAt"`
	LastUpdatedAt  time.Time         `json:"lastUpdatedAt"`
	Chapters       []ChapterMetadata `json:"chapters"`
}

// ChapterMetadata is one chapter entry inside the manga sidecar.
type ChapterMetadata struct {
	ChapterID    string    `json:"chapterId"`
	Title        string    `json:"title,omitempty"`
	Number       string    `json:"number,omitempty"`
	FolderName   string    `json:"folderName"`
	PageCount    int       `json:"pageCount"`
	SizeBytes    int64     `json:"sizeBytes"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// ChapterPages is the JSON sidecar written inside a chapter directory,
// listing every page file in reading order.
type ChapterPages struct {
	ExtensionID  string       `json:"extensionId"`
	MangaID      string       `json:"mangaId"`
	ChapterID    string       `json:"chapterId"`
	Title        string       `json:"title,omitempty"`
	Number       string       `json:"number,omitempty"`
	DownloadedAt time.Time    `json:"downloadedAt"`
	Pages        []PageRecord `json:"pages"`
}

// PageRecord describes one downloaded page file.
type PageRecord struct {
	Index     int    `json:"index"`
	File      string `json:"file"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// writeSidecar marshals v and renames it into place so readers never observe
// a partially written sidecar.
func writeSidecar(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sidecar directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize sidecar: %w", err)
	}
	return nil
}

func readSidecar(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse sidecar %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadMangaMetadata loads a manga sidecar from disk.
func (m *Manager) ReadMangaMetadata(slug string) (*MangaMetadata, error) {
	var meta MangaMetadata
	if err := readSidecar(m.MetadataPath(slug), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReadChapterPages loads a chapter pages sidecar from disk.
func (m *Manager) ReadChapterPages(slug, folderName string) (*ChapterPages, error) {
	var pages ChapterPages
	if err := readSidecar(m.PagesPath(slug, folderName), &pages); err != nil {
		return nil, err
	}
	return &pages, nil
}
