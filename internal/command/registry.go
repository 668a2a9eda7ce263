// Package command holds named commands, validates their declared parameters
// and dispatches invocations to handlers.
package command

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/nodus/internal/definition"
	"github.com/danmuck/nodus/internal/faults"
)

type Parameter = definition.Parameter

// Args are the named arguments of one invocation.
type Args map[string]any

// String returns the argument as a string. Non-string values are formatted.
func (a Args) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type Handler func(ctx context.Context, args Args) (any, error)

// Callback receives the outcome of an asynchronous invocation.
type Callback func(result any, err error)

type Command struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

// Registry stores commands by name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Command
	order []string
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Command)}
}

// Register adds a command. Names are unique per registry.
func (r *Registry) Register(cmd Command) error {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return faults.New(faults.InvalidCommand, nil, "command name is required")
	}
	if cmd.Handler == nil {
		return faults.New(faults.InvalidCommand, faults.Data{"command": name}, "command handler is nil")
	}
	cmd.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; ok {
		return faults.New(faults.CommandAlreadyDefined, faults.Data{"command": name}, "")
	}
	r.items[name] = cmd
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.items[name]
	return cmd, ok
}

// Names returns command names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Describe returns the definition view of every registered command.
func (r *Registry) Describe() map[string]definition.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]definition.Command, len(r.items))
	for name, cmd := range r.items {
		out[name] = definition.Command{
			Description: cmd.Description,
			Parameters:  append([]Parameter(nil), cmd.Parameters...),
		}
	}
	return out
}

// Invoke validates args against the command's required parameters and runs
// the handler. The handler's result and error are returned unchanged.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (result any, err error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return nil, faults.New(faults.CommandNotFound, faults.Data{"command": name}, "")
	}
	if err := Validate(cmd.Parameters, args); err != nil {
		return nil, err
	}
	if args == nil {
		args = Args{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = faults.Errorf(faults.Internal, faults.Data{"command": name}, "command panicked: %v", rec)
		}
	}()
	return cmd.Handler(ctx, args)
}

// Run invokes the command on its own goroutine and reports through cb
// exactly once. Lookup and validation failures are reported through cb too.
func (r *Registry) Run(ctx context.Context, name string, args Args, cb Callback) {
	go func() {
		result, err := r.Invoke(ctx, name, args)
		if cb != nil {
			cb(result, err)
		}
	}()
}

// Validate reports the first required parameter, in declaration order, that
// is missing or nil in args.
func Validate(params []Parameter, args Args) error {
	for _, p := range params {
		if !p.Required {
			continue
		}
		if v, ok := args[p.Name]; !ok || v == nil {
			return faults.New(faults.RequiredArgument, faults.Data{"argument": p.Name}, "")
		}
	}
	return nil
}
