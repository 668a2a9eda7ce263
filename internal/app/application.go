// Package app is the in-process side of a service: a named set of commands
// with a lifecycle, optionally grouping nested sub-services whose lifecycle
// follows the application's.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/definition"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/lifecycle"
)

// EventError carries a failure reported by the application or one of its
// sub-services.
const EventError = "error"

type Option func(*Application)

func WithDescription(desc string) Option {
	return func(a *Application) { a.description = desc }
}

func WithVersion(version string) Option {
	return func(a *Application) { a.version = version }
}

// Application composes a lifecycle unit, a command registry and an event
// emitter.
type Application struct {
	name        string
	description string
	version     string

	events   *events.Emitter
	unit     *lifecycle.Unit
	commands *command.Registry

	mu       sync.Mutex
	services map[string]*Application
	order    []string
}

func New(name string, opts ...Option) *Application {
	em := events.NewEmitter(name)
	a := &Application{
		name:     name,
		events:   em,
		unit:     lifecycle.New(name, lifecycle.WithEmitter(em)),
		commands: command.NewRegistry(),
		services: make(map[string]*Application),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.unit.On(lifecycle.EventLoad, a.cascade(lifecycle.EventLoad))
	a.unit.On(lifecycle.EventUnload, a.cascade(lifecycle.EventUnload))
	a.unit.On(lifecycle.EventStart, a.cascade(lifecycle.EventStart))
	a.unit.On(lifecycle.EventStop, a.cascade(lifecycle.EventStop))
	return a
}

func (a *Application) Name() string { return a.name }

func (a *Application) Load(ctx context.Context) error   { return a.unit.Load(ctx) }
func (a *Application) Unload(ctx context.Context) error { return a.unit.Unload(ctx) }
func (a *Application) Stop(ctx context.Context) error   { return a.unit.Stop(ctx) }

// Start starts the application and its sub-services. When the start is
// vetoed, sub-services that did start are stopped again.
func (a *Application) Start(ctx context.Context) error {
	err := a.unit.Start(ctx)
	if err != nil && !a.unit.IsStarted() {
		if stopErr := a.cascade(lifecycle.EventStop)(ctx, events.Event{}); stopErr != nil {
			log.Warn().Err(stopErr).Str("app", a.name).Msg("sub-service cleanup after failed start")
		}
	}
	return err
}

func (a *Application) IsLoaded() bool         { return a.unit.IsLoaded() }
func (a *Application) IsStarted() bool        { return a.unit.IsStarted() }
func (a *Application) State() lifecycle.State { return a.unit.State() }

func (a *Application) On(name string, h events.Handler) {
	a.events.On(name, h)
}

func (a *Application) Use(observers ...events.Observer) {
	a.events.Use(observers...)
}

// Emit publishes an application event.
func (a *Application) Emit(ctx context.Context, name string, data any) error {
	return a.events.Emit(ctx, name, data)
}

// Fail reports err as an application error event.
func (a *Application) Fail(ctx context.Context, err error) error {
	return a.events.Emit(ctx, EventError, err)
}

// Command registers a command handler.
func (a *Application) Command(name string, params []command.Parameter, h command.Handler) error {
	return a.commands.Register(command.Command{Name: name, Parameters: params, Handler: h})
}

func (a *Application) Register(cmd command.Command) error {
	return a.commands.Register(cmd)
}

func (a *Application) Commands() *command.Registry {
	return a.commands
}

// Invoke runs a command synchronously. The application must be started.
func (a *Application) Invoke(ctx context.Context, name string, args command.Args) (any, error) {
	if !a.unit.IsStarted() {
		return nil, faults.New(faults.NotStarted, faults.Data{"service": a.name}, "")
	}
	return a.commands.Invoke(ctx, name, args)
}

// Run invokes a command asynchronously; cb is called exactly once.
func (a *Application) Run(ctx context.Context, name string, args command.Args, cb command.Callback) {
	if !a.unit.IsStarted() {
		if cb != nil {
			cb(nil, faults.New(faults.NotStarted, faults.Data{"service": a.name}, ""))
		}
		return
	}
	a.commands.Run(ctx, name, args, cb)
}

// Definition describes the application and its registered commands.
func (a *Application) Definition() *definition.Definition {
	return &definition.Definition{
		Name:        a.name,
		Description: a.description,
		Version:     a.version,
		Commands:    a.commands.Describe(),
	}
}

// Service returns the named sub-service, creating it on first use. Errors
// reported by the sub-service are re-emitted on the application as
// SERVICE_ERROR.
func (a *Application) Service(name string) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[name]; ok {
		return svc
	}
	svc := New(name)
	svc.On(EventError, func(ctx context.Context, ev events.Event) error {
		cause, _ := ev.Data.(error)
		return a.Fail(ctx, faults.Wrap(faults.ServiceError, faults.Data{"service": name}, cause))
	})
	a.services[name] = svc
	a.order = append(a.order, name)
	return svc
}

// Services returns sub-service names in creation order.
func (a *Application) Services() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

func (a *Application) children() []*Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Application, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.services[name])
	}
	return out
}

// cascade applies the parent's transition to every sub-service that is not
// already in the target state. Stop visits every sub-service and joins the
// errors; the other transitions halt at the first failure.
func (a *Application) cascade(transition string) events.Handler {
	return func(ctx context.Context, _ events.Event) error {
		var errs []error
		for _, svc := range a.children() {
			var err error
			switch transition {
			case lifecycle.EventLoad:
				if !svc.IsLoaded() {
					err = svc.Load(ctx)
				}
			case lifecycle.EventUnload:
				if svc.IsLoaded() {
					err = svc.Unload(ctx)
				}
			case lifecycle.EventStart:
				if !svc.IsStarted() {
					err = svc.Start(ctx)
				}
			case lifecycle.EventStop:
				if svc.IsStarted() {
					err = svc.Stop(ctx)
				}
			}
			if err != nil {
				err = faults.Wrap(faults.ServiceError, faults.Data{"service": svc.Name()}, err)
				if transition != lifecycle.EventStop {
					return err
				}
				errs = append(errs, err)
				continue
			}
			log.Debug().Str("app", a.name).Str("service", svc.Name()).Str("transition", transition).Msg("sub-service transition")
		}
		return errors.Join(errs...)
	}
}
