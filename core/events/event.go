package events

import "sync"

// Event represents a structured state change emitted by a market.
type Event interface {
	EventType() string
}

// Renderer is implemented by events that expose a flat attribute view for
// logs, archives and streams.
type Renderer interface {
	Event() *Record
}

// Record is the flattened form of an event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers (e.g. HTTP streams,
// archives).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Render returns the flattened record for evt, falling back to a bare type
// when the event does not implement Renderer.
func Render(evt Event) *Record {
	if evt == nil {
		return nil
	}
	if r, ok := evt.(Renderer); ok {
		if rec := r.Event(); rec != nil {
			return rec
		}
	}
	return &Record{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Collector keeps emitted events in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns collected events whose type matches.
func (c *Collector) OfType(typ string) []Event {
	var out []Event
	for _, evt := range c.Events() {
		if evt.EventType() == typ {
			out = append(out, evt)
		}
	}
	return out
}

func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// Fanout delivers every event to each emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(evt Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(evt)
		}
	}
}
