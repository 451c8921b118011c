// Package bus carries state-change notifications from the sync core to the UI
// layer. The core publishes after each reconciliation; the UI re-reads the
// relevant snapshot and re-renders. Payloads are announcements, not state;
// the core's snapshot accessors stay the single read path.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the sync core.
const (
	EventMessages   = "messages.changed"   // message list reconciled
	EventPresence   = "presence.changed"   // peer presence derived state changed
	EventPagination = "pagination.changed" // hasMore/loading/totalLoaded moved
	EventConnection = "connection.changed" // Connected/Disconnected/Reconnecting
	EventSchedule   = "schedule.fired"     // a scheduled message was sent
)

// Event is one state-change notification.
type Event struct {
	Type      string
	Payload   any
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// Bus is a topic-based publish/subscribe hub. Use "*" to listen to all
// events. Handlers run synchronously on the emitting goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	nextID   int
	logger   *slog.Logger
}

type namedHandler struct {
	id string
	fn Handler
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type and returns an id for Off.
func (b *Bus) On(eventType string, fn Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "-" + itoa(b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{id: id, fn: fn})
	return id
}

// Off removes a handler by its id.
func (b *Bus) Off(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			b.handlers[eventType] = append(hs[:i], hs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to its type's handlers and to wildcard handlers.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	fns := make([]Handler, 0, len(b.handlers[e.Type])+len(b.handlers["*"]))
	for _, h := range b.handlers[e.Type] {
		fns = append(fns, h.fn)
	}
	for _, h := range b.handlers["*"] {
		fns = append(fns, h.fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
