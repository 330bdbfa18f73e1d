// Package ipc implements the control protocol between the worker daemon and
// its controller: newline-delimited JSON over a unix socket. Requests carry a
// command type and correlation id; the server answers with result or error
// messages and pushes unsolicited lifecycle and event messages.
package ipc

import (
	"encoding/json"
	"time"

	"tankobon/internal/events"
)

// Commands accepted by the server. Anything else is a hard error.
const (
	CmdStart                = "start"
	CmdStop                 = "stop"
	CmdPing                 = "ping"
	CmdQueueChapter         = "queue-chapter"
	CmdQueueManga           = "queue-manga"
	CmdCancelDownload       = "cancel-download"
	CmdRetryDownload        = "retry-download"
	CmdRetryFrozen          = "retry-frozen-downloads"
	CmdGetQueuedDownloads   = "get-queued-downloads"
	CmdGetDownloadProgress  = "get-download-progress"
	CmdGetStorageStats      = "get-storage-stats"
	CmdGetDownloadedManga   = "get-downloaded-manga"
	CmdGetMangaMetadata     = "get-manga-metadata"
	CmdGetDownloadedChaps   = "get-downloaded-chapters"
	CmdGetChapterPages      = "get-chapter-pages"
	CmdIsChapterDownloaded  = "is-chapter-downloaded"
	CmdDeleteChapter        = "delete-chapter"
	CmdDeleteManga          = "delete-manga"
	CmdNukeOfflineData      = "nuke-offline-data"
	CmdGetDownloadHistory   = "get-download-history"
	CmdDeleteHistoryItem    = "delete-history-item"
	CmdClearHistory         = "clear-download-history"
	CmdValidateChapterCount = "validate-manga-chapter-count"
	CmdStartBackgroundSync  = "start-background-sync"
	CmdGetPagePath          = "get-page-path"
	CmdGetMetrics           = "get-metrics"
	CmdResetMetrics         = "reset-metrics"
	CmdPerformCleanup       = "perform-cleanup"
)

// Message types sent by the server.
const (
	TypeResult     = "result"
	TypeError      = "error"
	TypeReady      = "ready"
	TypeStarted    = "started"
	TypeStopped    = "stopped"
	TypeEvent      = "event"
	TypeFatalError = "fatal-error"
)

// Request is one controller-to-daemon message.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is one daemon-to-controller message: a correlated result or error,
// or an unsolicited lifecycle or event push.
type Message struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Command   string           `json:"command,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Stack     string           `json:"stack,omitempty"`
	Event     *events.Envelope `json:"event,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

// Request payloads.

type QueueChapterPayload struct {
	MangaID   string `json:"mangaId"`
	ChapterID string `json:"chapterId"`
	Priority  int    `json:"priority,omitempty"`
}

type QueueMangaPayload struct {
	MangaID    string   `json:"mangaId"`
	ChapterIDs []string `json:"chapterIds,omitempty"`
	Priority   int      `json:"priority,omitempty"`
}

type QueueIDPayload struct {
	ID int64 `json:"id"`
}

type MangaPayload struct {
	MangaID string `json:"mangaId"`
}

type ChapterPayload struct {
	MangaID   string `json:"mangaId"`
	ChapterID string `json:"chapterId"`
}

type PagePathPayload struct {
	MangaID   string `json:"mangaId"`
	ChapterID string `json:"chapterId"`
	PageIndex int    `json:"pageIndex"`
}

type HistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

type QueueFilterPayload struct {
	Statuses []string `json:"statuses,omitempty"`
}

// Result payloads that are not already domain types.

type OKResult struct {
	OK bool `json:"ok"`
}

type QueueMangaResult struct {
	QueueIDs []int64 `json:"queueIds"`
}

type RetriedResult struct {
	Retried int `json:"retried"`
}

type DownloadedResult struct {
	Downloaded bool `json:"downloaded"`
}

type PagePathResult struct {
	Path string `json:"path"`
}

type ClearedResult struct {
	Cleared int64 `json:"cleared"`
}

type WorkerStateResult struct {
	Active  bool  `json:"active"`
	Current int64 `json:"current,omitempty"`
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
