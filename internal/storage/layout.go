package storage

import (
	"os"
	"path/filepath"
)

// On-disk layout under the data directory:
//
//	<data>/<manga-slug>/metadata.json
//	<data>/<manga-slug>/cover.<ext>
//	<data>/<manga-slug>/chapter-<slug>/001.jpg
//	<data>/<manga-slug>/chapter-<slug>/pages.json
const (
	metadataFileName = "metadata.json"
	pagesFileName    = "pages.json"
)

// MangaDir returns the directory holding one manga's offline content.
func (m *Manager) MangaDir(slug string) string {
	return filepath.Join(m.cfg.Paths.DataDir, slug)
}

// ChapterDir returns the directory holding one chapter's pages.
func (m *Manager) ChapterDir(slug, folderName string) string {
	return filepath.Join(m.MangaDir(slug), folderName)
}

// MetadataPath returns the location of a manga's metadata sidecar.
func (m *Manager) MetadataPath(slug string) string {
	return filepath.Join(m.MangaDir(slug), metadataFileName)
}

// PagesPath returns the location of a chapter's pages sidecar.
func (m *Manager) PagesPath(slug, folderName string) string {
	return filepath.Join(m.ChapterDir(slug, folderName), pagesFileName)
}

// dirSize walks a directory and sums regular file sizes.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
