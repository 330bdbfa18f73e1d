package events

import (
	"sync"
	"time"
)

// Coalescer buffers events for a short debounce window and flushes them as
// grouped envelopes, so a burst of per-page progress updates reaches
// subscribers as a handful of messages instead of hundreds.
//
// Flush rules:
//   - the buffer flushes when the debounce window elapses after the first
//     buffered event,
//   - immediately when a terminal download event arrives,
//   - immediately when the buffer reaches its cap.
//
// A flush produces at most four envelopes, one per envelope type. Within the
// download-update group only the latest event per queue item survives.
type Coalescer struct {
	sink        func(Envelope)
	window      time.Duration
	maxBuffered int

	mu     sync.Mutex
	buffer []Event
	timer  *time.Timer
	closed bool

	now func() time.Time
}

// NewCoalescer creates a coalescer that emits envelopes into sink.
func NewCoalescer(sink func(Envelope), window time.Duration, maxBuffered int) *Coalescer {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if maxBuffered <= 0 {
		maxBuffered = 50
	}
	return &Coalescer{
		sink:        sink,
		window:      window,
		maxBuffered: maxBuffered,
		now:         time.Now,
	}
}

// Push buffers one event, flushing when the rules call for it.
func (c *Coalescer) Push(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	c.buffer = append(c.buffer, event)

	if flushImmediately(event.Kind) || len(c.buffer) >= c.maxBuffered {
		c.flushLocked()
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.timedFlush)
	}
}

// Flush drains the buffer synchronously.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close flushes whatever is buffered and rejects further pushes.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
	c.closed = true
}

func (c *Coalescer) timedFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.buffer) == 0 {
		return
	}
	buffered := c.buffer
	c.buffer = nil

	for _, envelope := range groupEvents(buffered, c.now()) {
		c.sink(envelope)
	}
}

// groupEvents splits a drained buffer into per-type envelopes, preserving
// arrival order within each group.
func groupEvents(buffered []Event, at time.Time) []Envelope {
	var (
		queue   []Event
		content []Event
		system  []Event

		downloads     []Event
		downloadIndex = make(map[int64]int)
	)

	for _, event := range buffered {
		switch envelopeTypeFor(event.Kind) {
		case EnvelopeQueueUpdate:
			queue = append(queue, event)
		case EnvelopeDownloadUpdate:
			if idx, seen := downloadIndex[event.QueueID]; seen {
				downloads[idx] = event
			} else {
				downloadIndex[event.QueueID] = len(downloads)
				downloads = append(downloads, event)
			}
		case EnvelopeContentUpdate:
			content = append(content, event)
		default:
			system = append(system, event)
		}
	}

	envelopes := make([]Envelope, 0, 4)
	if len(queue) > 0 {
		envelopes = append(envelopes, Envelope{Type: EnvelopeQueueUpdate, Events: queue, Timestamp: at})
	}
	if len(downloads) > 0 {
		envelopes = append(envelopes, Envelope{Type: EnvelopeDownloadUpdate, Events: downloads, Timestamp: at})
	}
	if len(content) > 0 {
		envelopes = append(envelopes, Envelope{Type: EnvelopeContentUpdate, Events: content, Timestamp: at})
	}
	if len(system) > 0 {
		envelopes = append(envelopes, Envelope{Type: EnvelopeSystem, Events: system, Timestamp: at})
	}
	return envelopes
}
