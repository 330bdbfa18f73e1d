package catalog

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
)

// CancelledReason is the error message recorded when a user cancels an item.
const CancelledReason = "Cancelled by user"

var allStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusPaused,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Item represents one persisted download request. A nil ChapterID means the
// whole manga is to be downloaded.
type Item struct {
	ID              int64
	ExtensionID     string
	MangaID         string
	MangaSlug       string
	MangaTitle      string
	ChapterID       string
	Status          Status
	Priority        int
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ProgressCurrent int64
	ProgressTotal   int64
	ErrorMessage    string
}

// IsMangaJob reports whether the item downloads every chapter of a manga.
func (i Item) IsMangaJob() bool {
	return i.ChapterID == ""
}

// ProgressRatio returns completed/total in [0,1], zero when total is unknown.
func (i Item) ProgressRatio() float64 {
	if i.ProgressTotal <= 0 {
		return 0
	}
	return float64(i.ProgressCurrent) / float64(i.ProgressTotal)
}

// Manga is one downloaded manga as recorded in the relational catalog.
type Manga struct {
	ID             int64
	ExtensionID    string
	MangaID        string
	Slug           string
	Title          string
	CoverFile      string
	DownloadedAt   time.Time
	LastUpdatedAt  time.Time
	TotalSizeBytes int64
}

// Chapter is one downloaded chapter as recorded in the relational catalog.
type Chapter struct {
	ID           int64
	ExtensionID  string
	MangaID      string
	ChapterID    string
	Title        string
	Number       string
	FolderName   string
	PageCount    int
	SizeBytes    int64
	DownloadedAt time.Time
}

// HistoryEntry records a finished (completed or cancelled) download request.
type HistoryEntry struct {
	ID           int64
	ExtensionID  string
	MangaID      string
	MangaTitle   string
	ChapterID    string
	ChapterTitle string
	Status       Status
	ErrorMessage string
	TotalBytes   int64
	CompletedAt  time.Time
}

// QueueStats is a count of queue items grouped by status.
type QueueStats map[Status]int

// Active returns the number of queued plus downloading items.
func (s QueueStats) Active() int {
	return s[StatusQueued] + s[StatusDownloading]
}
