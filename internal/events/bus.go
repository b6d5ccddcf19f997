// Package events is the asynchronous publish-subscribe backbone that
// decouples the server core from observers like telemetry.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus fans events out to subscribed handlers. Handlers run in their own
// goroutines so a slow observer never blocks the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]handlerEntry)}
}

// Subscribe registers a handler for an event type. The name is used in
// logs when the handler fails.
func (b *Bus) Subscribe(t Type, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handlerEntry{name: name, handler: handler})
	log.Debug().Str("event", string(t)).Str("handler", name).Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type.
func (b *Bus) Unsubscribe(t Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[t]
	filtered := handlers[:0]
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	b.handlers[t] = filtered
}

// Emit publishes an event to all subscribed handlers asynchronously.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	for _, h := range b.handlers[event.Type] {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(event.Type)).
						Str("handler", h.name).
						Interface("panic", r).
						Msg("handler panicked")
				}
			}()
			if err := h.handler(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event", string(event.Type)).
					Str("handler", h.name).
					Msg("handler returned error")
			}
		}()
	}
}

// Stop refuses further events and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
	log.Info().Msg("event bus stopped")
}
