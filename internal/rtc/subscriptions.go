package rtc

import (
	"encoding/json"
	"sort"
	"sync"
)

// Registry tracks handlers per channel in registration order and fans
// messages out to them. Transports outside this package use it for their
// own subscription bookkeeping. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	channels map[string][]entry
}

type entry struct {
	id      uint64
	handler Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string][]entry)}
}

// Add registers handler and reports whether it is the first for channel.
func (r *Registry) Add(channel string, handler Handler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	first = len(r.channels[channel]) == 0
	r.channels[channel] = append(r.channels[channel], entry{id: r.nextID, handler: handler})
	return r.nextID, first
}

// Remove drops handler id and reports whether channel has no handlers left.
// Removing an unknown id is a no-op and reports false.
func (r *Registry) Remove(channel string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.channels[channel]
	if !ok {
		return false
	}
	for i, e := range entries {
		if e.id != id {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(r.channels, channel)
			return true
		}
		r.channels[channel] = entries
		return false
	}
	return false
}

// Handlers returns a snapshot of channel's handlers.
func (r *Registry) Handlers(channel string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.channels[channel]
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.handler
	}
	return out
}

// Names returns the subscribed channels in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Clear drops every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.channels = make(map[string][]entry)
	r.mu.Unlock()
}

// Dispatch calls every handler for channel. Each handler is isolated: errors
// and panics are logged and the remaining handlers still run.
func (r *Registry) Dispatch(channel string, message json.RawMessage, logger Logger) {
	for _, h := range r.Handlers(channel) {
		invoke(h, channel, message, logger)
	}
}

func invoke(h Handler, channel string, message json.RawMessage, logger Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("rtc: handler panic recovered", "channel", channel, "panic", rec)
		}
	}()

	if err := h(channel, message); err != nil {
		logger.Warn("rtc: handler returned error", "channel", channel, "error", err)
	}
}
