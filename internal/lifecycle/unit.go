// Package lifecycle implements the load/start state machine shared by every
// hostable unit.
//
// A unit moves unloaded -> loaded -> started -> loaded -> unloaded. Each
// transition publishes a before and an after notification on the unit's
// emitter; owners attach all domain behavior (spawning processes, binding
// routes) by subscribing to those notifications.
//
// Before hooks for load, unload and start may veto the transition by
// returning an error; later hooks are skipped and the state is unchanged.
// Stop cannot be vetoed: every stop hook runs, their errors are joined and
// the unit ends up stopped regardless. After hooks run once the state has
// changed; their errors are returned but the transition stands.
//
// Transitions on one unit are serialized. Hooks run inside the transition and
// must not start another transition on the same unit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
)

// Notification names.
const (
	EventLoad     = "load"
	EventLoaded   = "loaded"
	EventUnload   = "unload"
	EventUnloaded = "unloaded"
	EventStart    = "start"
	EventStarted  = "started"
	EventStop     = "stop"
	EventStopped  = "stopped"
)

type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateStarted  State = "started"
)

// Unit is the lifecycle state machine.
type Unit struct {
	name   string
	events *events.Emitter

	mu      sync.Mutex
	loaded  atomic.Bool
	started atomic.Bool
}

type Option func(*Unit)

// WithEmitter publishes the unit's notifications on em instead of a private
// emitter, so an owner can share one emitter across its capabilities.
func WithEmitter(em *events.Emitter) Option {
	return func(u *Unit) {
		if em != nil {
			u.events = em
		}
	}
}

// New returns an unloaded unit.
func New(name string, opts ...Option) *Unit {
	u := &Unit{name: name}
	for _, opt := range opts {
		opt(u)
	}
	if u.events == nil {
		u.events = events.NewEmitter(name)
	}
	return u
}

func (u *Unit) Name() string {
	return u.name
}

// Events returns the emitter carrying the unit's notifications.
func (u *Unit) Events() *events.Emitter {
	return u.events
}

// On subscribes to a lifecycle notification.
func (u *Unit) On(name string, h events.Handler) {
	u.events.On(name, h)
}

func (u *Unit) IsLoaded() bool {
	return u.loaded.Load()
}

func (u *Unit) IsStarted() bool {
	return u.started.Load()
}

func (u *Unit) State() State {
	switch {
	case u.started.Load():
		return StateStarted
	case u.loaded.Load():
		return StateLoaded
	default:
		return StateUnloaded
	}
}

func (u *Unit) Load(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.load(ctx)
}

// Unload stops the unit first when it is started.
func (u *Unit) Unload(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.loaded.Load() {
		return faults.New(faults.NotLoaded, faults.Data{"unit": u.name}, "")
	}
	if u.started.Load() {
		if err := u.stop(ctx); err != nil {
			return err
		}
	}
	if err := u.check(ctx, EventUnload); err != nil {
		return err
	}
	u.loaded.Store(false)
	return u.notify(ctx, EventUnloaded)
}

// Start loads the unit first when it is not loaded.
func (u *Unit) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started.Load() {
		return faults.New(faults.AlreadyStarted, faults.Data{"unit": u.name}, "")
	}
	if !u.loaded.Load() {
		if err := u.load(ctx); err != nil {
			return err
		}
	}
	if err := u.check(ctx, EventStart); err != nil {
		return err
	}
	u.started.Store(true)
	return u.notify(ctx, EventStarted)
}

func (u *Unit) Stop(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stop(ctx)
}

func (u *Unit) load(ctx context.Context) error {
	if u.loaded.Load() {
		return faults.New(faults.AlreadyLoaded, faults.Data{"unit": u.name}, "")
	}
	if err := u.check(ctx, EventLoad); err != nil {
		return err
	}
	u.loaded.Store(true)
	return u.notify(ctx, EventLoaded)
}

func (u *Unit) stop(ctx context.Context) error {
	if !u.started.Load() {
		return faults.New(faults.NotStarted, faults.Data{"unit": u.name}, "")
	}
	err := u.notify(ctx, EventStop)
	u.started.Store(false)
	return errors.Join(err, u.notify(ctx, EventStopped))
}

// check runs vetoable before hooks.
func (u *Unit) check(ctx context.Context, name string) error {
	if err := u.events.Check(ctx, name, u.name); err != nil {
		return fmt.Errorf("%s %s: %w", u.name, name, err)
	}
	return nil
}

func (u *Unit) notify(ctx context.Context, name string) error {
	if err := u.events.Emit(ctx, name, u.name); err != nil {
		return fmt.Errorf("%s %s: %w", u.name, name, err)
	}
	return nil
}
