package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher for event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(StateChangedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event's Publish is generic over the concrete type, so the
	// dispatch goes through a type switch.
	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case ViewerConnectedEvent:
		event.Publish(b.dispatcher, e)
	case ViewerDisconnectedEvent:
		event.Publish(b.dispatcher, e)
	case ViewerEvictedEvent:
		event.Publish(b.dispatcher, e)
	case EncoderStartedEvent:
		event.Publish(b.dispatcher, e)
	case EncoderStoppedEvent:
		event.Publish(b.dispatcher, e)
	case EncoderCrashedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes a typed handler function; the handler's parameter type
// determines which events it receives. Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e StateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ViewerConnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ViewerDisconnectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ViewerEvictedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderCrashedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
