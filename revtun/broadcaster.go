package revtun

import "sync"

// Event is fired on the Broadcaster when the active manager link changes.
type Event string

const (
	// EventManagerValid fires once a new manager link has completed auth and
	// become the current manager (after any previous manager has been
	// kicked out and its protocol-close event fired).
	EventManagerValid Event = "ManagerProtocolValid"

	// EventManagerClose fires when the current manager link is lost, either
	// because it disconnected or because a newer manager superseded it.
	EventManagerClose Event = "ManagerProtocolClose"
)

// EventHandler observes Broadcaster events. It runs synchronously on the
// calling goroutine and must not block — see spec §5, "watcher callbacks
// run synchronously on the event loop; they must not block".
type EventHandler func(event Event, manager *ManagerLink)

// Broadcaster is the single explicit dependency that replaces the source's
// process-wide event hub and its mutable "current manager" global (spec §9,
// design note "Global broadcaster + current manager slot"). It is
// constructed once per Server and passed into the manager server, relay
// server, proxy registry and admin layer constructors — there is no
// package-level singleton.
type Broadcaster struct {
	mu       sync.Mutex
	manager  *ManagerLink
	handlers map[Event][]EventHandler
}

// NewBroadcaster creates an empty Broadcaster with no current manager.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{handlers: make(map[Event][]EventHandler)}
}

// CurrentManager returns the active manager link, or nil if none is
// currently authenticated.
func (b *Broadcaster) CurrentManager() *ManagerLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manager
}

// Subscribe registers handler to run, in registration order, every time
// event fires.
func (b *Broadcaster) Subscribe(event Event, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Fire updates the tracked current-manager slot (for EventManagerValid and
// EventManagerClose) and then synchronously invokes every handler
// registered for event, in registration order.
func (b *Broadcaster) Fire(event Event, manager *ManagerLink) {
	b.mu.Lock()
	switch event {
	case EventManagerValid:
		b.manager = manager
	case EventManagerClose:
		if b.manager == manager {
			b.manager = nil
		}
	}
	handlers := append([]EventHandler{}, b.handlers[event]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(event, manager)
	}
}
