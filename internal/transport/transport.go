// Package transport defines how services are exposed to the outside: the
// Interface contract every transport implements, the Service view a
// transport dispatches to, and a registry of transport factories.
package transport

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/definition"
	"github.com/danmuck/nodus/internal/faults"
)

// Service is what a transport invokes. Hosts and in-process applications
// both satisfy it.
type Service interface {
	Run(ctx context.Context, name string, args command.Args, cb command.Callback)
	Definition() *definition.Definition
}

// Interface is a transport bound to a set of services.
type Interface interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	MapService(name string, svc Service) error
	Type() string
}

// Invoke runs a command and waits for its callback or ctx.
func Invoke(ctx context.Context, svc Service, name string, args command.Args) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	svc.Run(ctx, name, args, func(result any, err error) {
		ch <- outcome{result, err}
	})
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, faults.Wrap(faults.RequestTimeout, faults.Data{"command": name}, ctx.Err())
	}
}

// EncodeResult renders a command result as JSON. Raw results from child
// processes pass through unchanged; an empty result is null.
func EncodeResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	}
	return json.Marshal(result)
}

// ServiceSet is the name to service table shared by transports.
type ServiceSet struct {
	mu    sync.RWMutex
	items map[string]Service
	order []string
}

func NewServiceSet() *ServiceSet {
	return &ServiceSet{items: make(map[string]Service)}
}

// Add maps svc under name. Names are unique.
func (s *ServiceSet) Add(name string, svc Service) error {
	name = strings.TrimSpace(name)
	if name == "" || svc == nil {
		return faults.New(faults.InvalidConfig, faults.Data{"service": name}, "service name and service are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; ok {
		return faults.New(faults.ServiceDefined, faults.Data{"name": name}, "")
	}
	s.items[name] = svc
	s.order = append(s.order, name)
	return nil
}

func (s *ServiceSet) Get(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.items[name]
	return svc, ok
}

// Names returns service names in mapping order.
func (s *ServiceSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Factory builds a named interface from its settings.
type Factory func(name string, settings map[string]any) (Interface, error)

// Options select a transport type and carry its free-form settings.
type Options struct {
	Type     string
	Settings map[string]any
}

// Registry maps transport types, and their aliases, to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	canonical map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		canonical: make(map[string]string),
	}
}

// Register adds a factory under typ and any aliases. Later registrations
// replace earlier ones.
func (r *Registry) Register(typ string, f Factory, aliases ...string) {
	typ = normalize(typ)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
	r.canonical[typ] = typ
	for _, alias := range aliases {
		r.canonical[normalize(alias)] = typ
	}
}

// Create builds an interface. Unknown types fail INTERFACE_TYPE_UNKNOWN.
func (r *Registry) Create(name string, opts Options) (Interface, error) {
	r.mu.RLock()
	typ, ok := r.canonical[normalize(opts.Type)]
	f := r.factories[typ]
	r.mu.RUnlock()
	if !ok || f == nil {
		return nil, faults.New(faults.InterfaceTypeUnknown, faults.Data{"type": opts.Type}, "")
	}
	settings := opts.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return f(name, settings)
}

// Types returns the canonical type names sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func normalize(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}
