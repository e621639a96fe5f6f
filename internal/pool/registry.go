package pool

import (
	"sync"

	"github.com/google/uuid"

	"depthflow/models"
)

// Handler receives canonical events for exactly the instrument it was
// registered under. Handlers must not block; long work belongs on the
// caller's side of a channel.
type Handler func(models.Event)

// StatusHandler receives connection state transitions.
type StatusHandler func(models.ConnStatus)

type subscriberEntry struct {
	native   string
	handlers map[string]Handler
}

// subscriberRegistry owns the instrument → handler-set mapping and refcounts
// for one connection record. Keeping it a separate type makes the strict
// demultiplexing contract testable without sockets.
type subscriberRegistry struct {
	mu      sync.RWMutex
	entries map[models.InstrumentKey]*subscriberEntry
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{entries: make(map[models.InstrumentKey]*subscriberEntry)}
}

// add registers a handler and reports whether it is the first for the
// instrument. The returned id releases exactly this registration.
func (r *subscriberRegistry) add(key models.InstrumentKey, native string, h Handler) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		entry = &subscriberEntry{native: native, handlers: make(map[string]Handler)}
		r.entries[key] = entry
	}
	id := uuid.New().String()
	entry.handlers[id] = h
	return id, len(entry.handlers) == 1
}

// remove deletes one registration. instrumentGone is true when the last
// handler for the instrument left; empty when no instrument remains at all.
func (r *subscriberRegistry) remove(key models.InstrumentKey, id string) (instrumentGone, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return false, len(r.entries) == 0
	}
	delete(entry.handlers, id)
	if len(entry.handlers) == 0 {
		delete(r.entries, key)
		instrumentGone = true
	}
	return instrumentGone, len(r.entries) == 0
}

// dispatch fans one event out to the instrument's handlers. A handler
// registered for another instrument is never invoked.
func (r *subscriberRegistry) dispatch(key models.InstrumentKey, evt models.Event) int {
	r.mu.RLock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	handlers := make([]Handler, 0, len(entry.handlers))
	for _, h := range entry.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
	return len(handlers)
}

// natives lists the venue-native symbols of every registered instrument,
// used to re-issue subscribe frames after a reconnect.
func (r *subscriberRegistry) natives() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.native)
	}
	return out
}

func (r *subscriberRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
