// Package events defines structured event types emitted during
// reconciliation passes.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	PassStarted      Type = "pass.started"
	PhaseEntered     Type = "pass.phase"
	ResourceResult   Type = "resource.result"
	PassCompleted    Type = "pass.completed"
	PassAborted      Type = "pass.aborted"
	ApprovalRequired Type = "approval.required"
)

// Event is a structured event emitted during a pass.
type Event struct {
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event with the given type and correlation ID.
func New(eventType Type, correlationID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers. Emit may be called from
// several goroutines.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the collected events of type t.
func (c *CollectorEmitter) OfType(t Type) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogEmitter writes events to a structured logger at debug level.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(e *Event) {
	attrs := []any{"event", string(e.Type), "correlation_id", e.CorrelationID}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	l.Logger.Debug("event", attrs...)
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e *Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
