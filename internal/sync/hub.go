package sync

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/avosseberg/cratesync/internal/model"
)

// Listener receives library snapshots. Collection fields are nil when the
// notification carries no update for them; the slices are read-only copies.
type Listener func(model.Snapshot)

// Hub is the pub-sub broadcaster between the engine and its consumers. It is
// safe for concurrent use. A panicking listener is logged and skipped; it
// never prevents other listeners from being notified or aborts the calling
// cycle.
type Hub struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]Listener
	log       *slog.Logger

	// notifyMu serializes deliveries so a subscriber registered mid-broadcast
	// never sees its initial snapshot after a newer one.
	notifyMu sync.Mutex
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		listeners: make(map[uuid.UUID]Listener),
		log:       logger,
	}
}

// Subscribe registers fn and returns a function that removes it again.
// Unsubscribing twice is harmless.
func (h *Hub) Subscribe(fn Listener) (unsubscribe func()) {
	id := uuid.New()

	h.mu.Lock()
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// SubscribeWith registers fn and delivers the snapshot produced by initial
// before any later broadcast can reach fn. initial runs after registration,
// with deliveries held, so the first snapshot fn sees is never older than
// the next one.
func (h *Hub) SubscribeWith(fn Listener, initial func() model.Snapshot) (unsubscribe func()) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	unsub := h.Subscribe(fn)
	h.deliver(fn, initial())
	return unsub
}

// Notify delivers the snapshot to every listener on the calling goroutine.
func (h *Hub) Notify(snap model.Snapshot) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	fns := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		h.deliver(fn, snap)
	}
}

// deliver invokes one listener, containing any panic.
func (h *Hub) deliver(fn Listener, snap model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(snap)
}
