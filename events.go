package offline

import "sync"

// Event names a user-visible notification raised by the dispatcher.
type Event string

const (
	// EventOnline and EventOffline mirror the connectivity source.
	EventOnline  Event = "network.online"
	EventOffline Event = "network.offline"

	// EventQueued fires when a mutation was deferred instead of confirmed.
	// Payload: QueuedNotice.
	EventQueued Event = "action.queued"

	// EventActionDropped fires when an action exhausted its retries.
	// Payload: *QueuedAction.
	EventActionDropped Event = "action.dropped"

	// EventSyncComplete fires after an online transition finished draining
	// and sweeping. Payload: SyncSummary.
	EventSyncComplete Event = "sync.complete"
)

// QueuedNotice is the payload of EventQueued.
type QueuedNotice struct {
	ActionID string `json:"actionId"`
	Method   string `json:"method"`
	URL      string `json:"url"`
}

// EventHandler handles dispatcher events.
type EventHandler func(event Event, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[Event][]EventHandler
}

func newEmitter() emitter {
	return emitter{listeners: make(map[Event][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event Event, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event Event, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}
