// Package textutil provides the slug and filename rules used to derive
// on-disk names for downloaded manga, chapters, and pages.
package textutil

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldDiacritics decomposes characters and strips combining marks so that
// "Bōken" and "Boken" slugify identically.
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify converts a title into a lowercase hyphen-separated directory slug.
// Diacritics are folded, runs of non-alphanumerics collapse to single
// hyphens. Returns "untitled" when nothing survives.
func Slugify(value string) string {
	folded, _, err := transform.String(foldDiacritics, value)
	if err != nil {
		folded = value
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}

// UniqueSlug appends a short discriminator when a slug would collide with a
// name already taken by a different id.
func UniqueSlug(title, id string, taken func(slug string) bool) string {
	slug := Slugify(title)
	if taken == nil || !taken(slug) {
		return slug
	}
	suffix := Slugify(id)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	candidate := slug + "-" + suffix
	for i := 2; taken(candidate); i++ {
		candidate = fmt.Sprintf("%s-%s-%d", slug, suffix, i)
	}
	return candidate
}

// fileNameReplacer replaces filesystem-unsafe characters with safe alternatives.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName replaces filesystem-unsafe characters in a filename.
// Slashes, backslashes, colons, and asterisks become dashes; other unsafe
// characters are removed. The result is trimmed of leading/trailing whitespace.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(fileNameReplacer.Replace(name))
}

// ChapterFolderName derives the directory name for a chapter from its number
// when present, falling back to the chapter id.
func ChapterFolderName(number, chapterID string) string {
	number = strings.TrimSpace(number)
	if number != "" {
		return "chapter-" + Slugify(number)
	}
	return "chapter-" + Slugify(chapterID)
}

// PageFileName produces the zero-padded sequential filename for a page.
func PageFileName(index int, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%03d.%s", index+1, ext)
}
