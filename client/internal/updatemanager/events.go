package updatemanager

import (
	"sync"

	uerrors "github.com/srika/srika/client/errors"
)

// EventType names the events delivered to the UI
type EventType string

const (
	EventFound    EventType = "update-found"
	EventProgress EventType = "update-progress"
	EventComplete EventType = "update-complete"
	EventError    EventType = "update-error"
)

// Event is one notification about an update attempt
type Event struct {
	Type     EventType
	Version  string
	Percent  int
	Status   string
	Message  string
	Severity uerrors.Severity
}

// Listener receives events. It is called synchronously and must not block.
type Listener func(Event)

type eventBus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (b *eventBus) subscribe(fn Listener) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(e)
	}
}

func foundEvent(version string) Event {
	return Event{Type: EventFound, Version: version}
}

func progressEvent(percent int, status string) Event {
	return Event{Type: EventProgress, Percent: percent, Status: status}
}

func completeEvent(version string) Event {
	return Event{Type: EventComplete, Version: version, Percent: 100}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error(), Severity: uerrors.SeverityOf(err)}
}
