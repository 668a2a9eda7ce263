// Package server orchestrates service hosts and the transports that expose
// them.
//
// Starting a server starts every host in registration order, then binds
// every host to every interface and starts the interfaces. Stopping runs the
// same steps backwards.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/config"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/host"
	"github.com/danmuck/nodus/internal/ipc"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/tools"
	"github.com/danmuck/nodus/internal/transport"
	"github.com/danmuck/nodus/internal/transport/rest"
	"github.com/danmuck/nodus/internal/transport/ws"
)

// DefaultTransports knows the built-in interface types.
func DefaultTransports() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(rest.Type, rest.Factory, "interfaces/rest")
	r.Register(ws.Type, ws.Factory, "ws")
	return r
}

type Option func(*Server)

func WithTransports(r *transport.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.transports = r
		}
	}
}

func WithIPCConfig(cfg ipc.Config) Option {
	return func(s *Server) { s.ipc = cfg.WithDefaults() }
}

func WithLauncher(l tools.Launcher) Option {
	return func(s *Server) { s.launcher = l }
}

// WithObserver is attached to the server and to every host it creates.
func WithObserver(o events.Observer) Option {
	return func(s *Server) {
		s.observers = append(s.observers, o)
		s.events.Use(o)
	}
}

type namedInterface struct {
	name   string
	iface  transport.Interface
	mapped bool
}

type Server struct {
	name       string
	transports *transport.Registry
	ipc        ipc.Config
	launcher   tools.Launcher
	observers  []events.Observer

	events *events.Emitter
	unit   *lifecycle.Unit

	// set once start has brought up every service and interface
	launched atomic.Bool

	mu         sync.RWMutex
	hosts      []*host.Host
	byName     map[string]*host.Host
	interfaces []*namedInterface
}

func New(name string, opts ...Option) *Server {
	em := events.NewEmitter(name)
	s := &Server{
		name:       name,
		transports: DefaultTransports(),
		ipc:        ipc.DefaultConfig(),
		events:     em,
		unit:       lifecycle.New(name, lifecycle.WithEmitter(em)),
		byName:     make(map[string]*host.Host),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unit.On(lifecycle.EventStart, func(ctx context.Context, _ events.Event) error { return s.start(ctx) })
	s.unit.On(lifecycle.EventStop, func(ctx context.Context, _ events.Event) error { return s.stop(ctx) })
	return s
}

// FromConfig builds a server from a parsed server file.
func FromConfig(cfg config.Server, opts ...Option) (*Server, error) {
	name := cfg.Name
	if name == "" {
		name = "nodus"
	}
	opts = append([]Option{WithIPCConfig(cfg.IPCConfig())}, opts...)
	s := New(name, opts...)
	if err := s.Load(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Load adds the services and then the interfaces named by cfg, each in
// name order.
func (s *Server) Load(cfg config.Server) error {
	for _, name := range cfg.ServiceNames() {
		if err := s.AddService(name, cfg.Services[name].HostOptions()); err != nil {
			return err
		}
	}
	for _, name := range cfg.InterfaceNames() {
		if err := s.AddInterface(name, cfg.Interfaces[name].Options()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Name() string { return s.name }

// AddService registers a provider. The host is created now and spawned on
// Start.
func (s *Server) AddService(name string, opts host.Options) error {
	if name == "" {
		return faults.New(faults.InvalidConfig, nil, "service name is required")
	}
	if s.unit.IsStarted() {
		return faults.New(faults.AlreadyStarted, faults.Data{"server": s.name}, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return faults.New(faults.ServiceDefined, faults.Data{"name": name}, "")
	}

	hopts := []host.Option{host.WithConfig(s.ipc)}
	if s.launcher != nil {
		hopts = append(hopts, host.WithLauncher(s.launcher))
	}
	for _, o := range s.observers {
		hopts = append(hopts, host.WithObserver(o))
	}
	h := host.New(name, opts, hopts...)
	h.On(host.EventExit, func(_ context.Context, ev events.Event) error {
		if st, ok := ev.Data.(host.ExitStatus); ok && !st.Expected {
			log.Warn().Str("server", s.name).Str("service", name).Int("exit_code", st.Code).
				Msg("service exited unexpectedly")
		}
		return nil
	})

	s.hosts = append(s.hosts, h)
	s.byName[name] = h
	log.Debug().Str("server", s.name).Str("service", name).Str("provider", opts.Provider).Msg("service added")
	return nil
}

// AddInterface creates a transport through the registry.
func (s *Server) AddInterface(name string, opts transport.Options) error {
	if name == "" {
		return faults.New(faults.InvalidConfig, nil, "interface name is required")
	}
	if s.unit.IsStarted() {
		return faults.New(faults.AlreadyStarted, faults.Data{"server": s.name}, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ni := range s.interfaces {
		if ni.name == name {
			return faults.New(faults.ServiceDefined, faults.Data{"name": name}, "")
		}
	}
	iface, err := s.transports.Create(name, opts)
	if err != nil {
		return err
	}
	s.interfaces = append(s.interfaces, &namedInterface{name: name, iface: iface})
	log.Debug().Str("server", s.name).Str("interface", name).Str("type", iface.Type()).Msg("interface added")
	return nil
}

func (s *Server) Stop(ctx context.Context) error { return s.unit.Stop(ctx) }
func (s *Server) IsStarted() bool                { return s.unit.IsStarted() }

// Start brings up every service, then every interface. If a start handler
// vetoes after that, everything is torn down again.
func (s *Server) Start(ctx context.Context) error {
	err := s.unit.Start(ctx)
	if err != nil && !s.unit.IsStarted() && s.launched.Load() {
		if stopErr := s.stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn().Err(stopErr).Str("server", s.name).Msg("teardown after vetoed start")
		}
	}
	return err
}

func (s *Server) On(name string, h events.Handler) { s.events.On(name, h) }

func (s *Server) Service(name string) (*host.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byName[name]
	return h, ok
}

// Services lists service names in registration order.
func (s *Server) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h.Name())
	}
	return out
}

func (s *Server) Interface(name string) (transport.Interface, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ni := range s.interfaces {
		if ni.name == name {
			return ni.iface, true
		}
	}
	return nil, false
}

func (s *Server) Interfaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.interfaces))
	for _, ni := range s.interfaces {
		out = append(out, ni.name)
	}
	return out
}

func (s *Server) snapshot() ([]*host.Host, []*namedInterface) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*host.Host(nil), s.hosts...), append([]*namedInterface(nil), s.interfaces...)
}

func (s *Server) start(ctx context.Context) error {
	hosts, ifaces := s.snapshot()
	var startedHosts []*host.Host
	var startedIfaces []*namedInterface

	rollback := func(cause error) error {
		errs := []error{cause}
		for i := len(startedIfaces) - 1; i >= 0; i-- {
			if err := startedIfaces[i].iface.Stop(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(startedHosts) - 1; i >= 0; i-- {
			if err := startedHosts[i].Stop(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, h := range hosts {
		if err := h.Start(ctx); err != nil {
			return rollback(fmt.Errorf("start service %s: %w", h.Name(), err))
		}
		startedHosts = append(startedHosts, h)
		log.Info().Str("server", s.name).Str("service", h.Name()).Msg("service started")
	}

	for _, ni := range ifaces {
		// a restarted server keeps the bindings from its first start
		if !ni.mapped {
			for _, h := range hosts {
				if err := ni.iface.MapService(h.Name(), h); err != nil {
					return rollback(fmt.Errorf("map service %s on %s: %w", h.Name(), ni.name, err))
				}
			}
			ni.mapped = true
		}
		if err := ni.iface.Start(ctx); err != nil {
			return rollback(fmt.Errorf("start interface %s: %w", ni.name, err))
		}
		startedIfaces = append(startedIfaces, ni)
		log.Info().Str("server", s.name).Str("interface", ni.name).Str("type", ni.iface.Type()).Msg("interface started")
	}
	s.launched.Store(true)
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	s.launched.Store(false)
	hosts, ifaces := s.snapshot()
	var errs []error
	for i := len(ifaces) - 1; i >= 0; i-- {
		if err := ifaces[i].iface.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop interface %s: %w", ifaces[i].name, err))
		}
	}
	for i := len(hosts) - 1; i >= 0; i-- {
		if !hosts[i].IsStarted() {
			continue
		}
		if err := hosts[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop service %s: %w", hosts[i].Name(), err))
		}
	}
	if len(errs) == 0 {
		log.Info().Str("server", s.name).Msg("server stopped")
	}
	return errors.Join(errs...)
}
