// Package events provides the notification capability composed by lifecycle
// units, service hosts and applications.
//
// Handlers subscribe to one event name. Observers see every emission on an
// emitter and are how metrics and debug logging attach without wildcard
// subscriptions.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is one notification.
type Event struct {
	Source string
	Name   string
	Data   any
	At     time.Time
}

// Handler reacts to one named event.
type Handler func(ctx context.Context, ev Event) error

// Observer is invoked for every event emitted on an emitter.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Emitter dispatches named events to handlers and observers.
type Emitter struct {
	source string

	mu        sync.RWMutex
	handlers  map[string][]Handler
	observers []Observer
}

// NewEmitter returns an emitter that stamps events with source.
func NewEmitter(source string) *Emitter {
	return &Emitter{
		source:   source,
		handlers: make(map[string][]Handler),
	}
}

// Source returns the emitter's source name.
func (e *Emitter) Source() string {
	return e.source
}

// On subscribes h to events named name.
func (e *Emitter) On(name string, h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], h)
}

// Use appends observers to the emitter.
func (e *Emitter) Use(observers ...Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range observers {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Emit runs observers then handlers in registration order. Every handler
// runs even when an earlier one fails; errors are joined.
func (e *Emitter) Emit(ctx context.Context, name string, data any) error {
	ev, handlers := e.prepare(name, data)
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Check is Emit for vetoable notifications: handlers stop at the first
// error, which is returned.
func (e *Emitter) Check(ctx context.Context, name string, data any) error {
	ev, handlers := e.prepare(name, data)
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) prepare(name string, data any) (Event, []Handler) {
	ev := Event{Source: e.source, Name: name, Data: data, At: time.Now()}

	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	handlers := append([]Handler(nil), e.handlers[name]...)
	e.mu.RUnlock()

	for _, o := range observers {
		o.Observe(ev)
	}
	return ev, handlers
}

// HandlerCount reports the number of handlers subscribed to name.
func (e *Emitter) HandlerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[name])
}
