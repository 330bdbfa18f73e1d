package events

import (
	"log/slog"
	"sync"

	"tankobon/internal/logging"
)

// Bus fans envelopes out to subscribers. Dispatch is synchronous and each
// listener runs behind a recover so one panicking subscriber cannot take
// down the publisher or starve the others.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Envelope)
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		listeners: make(map[int]func(Envelope)),
		logger:    logging.WithComponent(logger, "events"),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Envelope)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers the envelope to every subscriber.
func (b *Bus) Publish(envelope Envelope) {
	b.mu.RLock()
	listeners := make([]func(Envelope), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.dispatch(fn, envelope)
	}
}

func (b *Bus) dispatch(fn func(Envelope), envelope Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				logging.String("envelope", envelope.Type),
				logging.Any("panic", r))
		}
	}()
	fn(envelope)
}
