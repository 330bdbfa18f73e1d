// Package metrics keeps process-lifetime counters for the download worker.
package metrics

import (
	"sync/atomic"
	"time"
)

// Registry accumulates counters. All methods are safe for concurrent use.
type Registry struct {
	downloadsQueued    atomic.Int64
	downloadsCompleted atomic.Int64
	downloadsFailed    atomic.Int64
	downloadsRetried   atomic.Int64
	pagesFetched       atomic.Int64
	bytesDownloaded    atomic.Int64
	cleanupRuns        atomic.Int64
	cleanupBytesFreed  atomic.Int64
	sinceUnixNano      atomic.Int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	DownloadsQueued    int64     `json:"downloadsQueued"`
	DownloadsCompleted int64     `json:"downloadsCompleted"`
	DownloadsFailed    int64     `json:"downloadsFailed"`
	DownloadsRetried   int64     `json:"downloadsRetried"`
	PagesFetched       int64     `json:"pagesFetched"`
	BytesDownloaded    int64     `json:"bytesDownloaded"`
	CleanupRuns        int64     `json:"cleanupRuns"`
	CleanupBytesFreed  int64     `json:"cleanupBytesFreed"`
	Since              time.Time `json:"since"`
}

// NewRegistry creates a registry with all counters at zero.
func NewRegistry() *Registry {
	r := &Registry{}
	r.sinceUnixNano.Store(time.Now().UnixNano())
	return r
}

func (r *Registry) DownloadQueued(n int)          { r.downloadsQueued.Add(int64(n)) }
func (r *Registry) DownloadCompleted()            { r.downloadsCompleted.Add(1) }
func (r *Registry) DownloadFailed()               { r.downloadsFailed.Add(1) }
func (r *Registry) DownloadRetried()              { r.downloadsRetried.Add(1) }
func (r *Registry) PageFetched(sizeBytes int64)   { r.pagesFetched.Add(1); r.bytesDownloaded.Add(sizeBytes) }
func (r *Registry) CleanupPerformed(freed int64)  { r.cleanupRuns.Add(1); r.cleanupBytesFreed.Add(freed) }

// Snapshot copies the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		DownloadsQueued:    r.downloadsQueued.Load(),
		DownloadsCompleted: r.downloadsCompleted.Load(),
		DownloadsFailed:    r.downloadsFailed.Load(),
		DownloadsRetried:   r.downloadsRetried.Load(),
		PagesFetched:       r.pagesFetched.Load(),
		BytesDownloaded:    r.bytesDownloaded.Load(),
		CleanupRuns:        r.cleanupRuns.Load(),
		CleanupBytesFreed:  r.cleanupBytesFreed.Load(),
		Since:              time.Unix(0, r.sinceUnixNano.Load()),
	}
}

// Reset zeroes every counter and restarts the measurement window.
func (r *Registry) Reset() {
	r.downloadsQueued.Store(0)
	r.downloadsCompleted.Store(0)
	r.downloadsFailed.Store(0)
	r.downloadsRetried.Store(0)
	r.pagesFetched.Store(0)
	r.bytesDownloaded.Store(0)
	r.cleanupRuns.Store(0)
	r.cleanupBytesFreed.Store(0)
	r.sinceUnixNano.Store(time.Now().UnixNano())
}
