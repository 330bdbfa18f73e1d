// Package events defines the notification model for the download subsystem:
// typed events, a subscriber bus, and a coalescer that batches bursts into a
// small number of envelopes.
package events

import "time"

// Kind identifies the event variant.
type Kind string

const (
	KindDownloadQueued       Kind = "download-queued"
	KindDownloadStarted      Kind = "download-started"
	KindDownloadProgress     Kind = "download-progress"
	KindDownloadCompleted    Kind = "download-completed"
	KindDownloadFailed       Kind = "download-failed"
	KindDownloadRetried      Kind = "download-retried"
	KindChapterDeleted       Kind = "chapter-deleted"
	KindMangaDeleted         Kind = "manga-deleted"
	KindNewChaptersAvailable Kind = "new-chapters-available"
	KindCleanupPerformed     Kind = "cleanup-performed"
)

// Envelope types emitted by the coalescer.
const (
	EnvelopeQueueUpdate    = "queue-update"
	EnvelopeDownloadUpdate = "download-update"
	EnvelopeContentUpdate  = "content-update"
	EnvelopeSystem         = "system"
)

// Event is one notification. Only the fields relevant to the Kind are set.
type Event struct {
	Kind        Kind      `json:"type"`
	QueueID     int64     `json:"queueId,omitempty"`
	ExtensionID string    `json:"extensionId,omitempty"`
	MangaID     string    `json:"mangaId,omitempty"`
	MangaTitle  string    `json:"mangaTitle,omitempty"`
	ChapterID   string    `json:"chapterId,omitempty"`
	ChapterIDs  []string  `json:"chapterIds,omitempty"`
	Current     int64     `json:"current,omitempty"`
	Total       int64     `json:"total,omitempty"`
	Error       string    `json:"error,omitempty"`
	FreedBytes  int64     `json:"freedBytes,omitempty"`
	ItemsFreed  int       `json:"itemsFreed,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Envelope is a flushed batch of events sharing one envelope type.
type Envelope struct {
	Type      string    `json:"type"`
	Events    []Event   `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// envelopeTypeFor maps an event kind to its coalescing group.
func envelopeTypeFor(kind Kind) string {
	switch kind {
	case KindDownloadQueued, KindDownloadRetried:
		return EnvelopeQueueUpdate
	case KindDownloadStarted, KindDownloadProgress, KindDownloadCompleted, KindDownloadFailed:
		return EnvelopeDownloadUpdate
	case KindChapterDeleted, KindMangaDeleted, KindNewChaptersAvailable:
		return EnvelopeContentUpdate
	default:
		return EnvelopeSystem
	}
}

// flushImmediately reports whether the kind must not wait out the debounce
// window. Terminal download outcomes reach subscribers right away.
func flushImmediately(kind Kind) bool {
	return kind == KindDownloadCompleted || kind == KindDownloadFailed
}
