// Package host runs a service as a child process and speaks the ipc
// protocol with it.
//
// A Host composes a lifecycle unit, an event emitter and a pending-request
// table. Starting the host spawns the provider and waits for it to
// acknowledge a start request; stopping asks the child to stop, then
// escalates to SIGTERM and finally SIGKILL. Every request handed to the
// child resolves exactly once: by its response, by timeout, or when the child
// goes away.
//
// Response callbacks run on the host's reader goroutine and must not block
// on further requests to the same host.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/definition"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/ipc"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/tools"
)

// Events emitted by a host in addition to lifecycle notifications and the
// events forwarded from its child.
const (
	EventExit  = "exit"
	EventFault = "fault"
)

// drainGrace bounds how long the reader may keep draining stdout after the
// child has exited.
const drainGrace = 500 * time.Millisecond

// Options locate the provider and its definition.
type Options struct {
	// Definition is a definition file path. When empty the definition
	// reported by the child during the start handshake is used.
	Definition string
	// Provider is the executable path.
	Provider string
	Args     []string
	Env      []string
	Dir      string
	Stderr   io.Writer
}

// ExitStatus is the data of an exit event.
type ExitStatus struct {
	Service  string `json:"service"`
	Code     int    `json:"exit_code"`
	Expected bool   `json:"expected"`
}

type Option func(*Host)

func WithConfig(cfg ipc.Config) Option {
	return func(h *Host) { h.cfg = cfg.WithDefaults() }
}

func WithLauncher(l tools.Launcher) Option {
	return func(h *Host) {
		if l != nil {
			h.launcher = l
		}
	}
}

func WithObserver(o events.Observer) Option {
	return func(h *Host) { h.events.Use(o) }
}

// WithDefinition preloads the definition instead of reading a file.
func WithDefinition(def *definition.Definition) Option {
	return func(h *Host) { h.def = def }
}

// Host supervises one provider process.
type Host struct {
	name     string
	opts     Options
	cfg      ipc.Config
	launcher tools.Launcher

	events  *events.Emitter
	unit    *lifecycle.Unit
	pending *ipc.Pending

	mu          sync.Mutex
	def         *definition.Definition
	defFromFile bool
	session     *session
}

// session is one spawned child.
type session struct {
	proc        tools.Process
	enc         *ipc.Encoder
	readerDone  chan struct{}
	closed      chan struct{}
	cancelSweep context.CancelFunc
	stopping    atomic.Bool
	exited      bool
	exitCode    int
}

func New(name string, opts Options, options ...Option) *Host {
	em := events.NewEmitter(name)
	h := &Host{
		name:     name,
		opts:     opts,
		cfg:      ipc.DefaultConfig(),
		launcher: tools.ExecLauncher{},
		events:   em,
		unit:     lifecycle.New(name, lifecycle.WithEmitter(em)),
		pending:  ipc.NewPending(),
	}
	for _, opt := range options {
		opt(h)
	}
	h.unit.On(lifecycle.EventLoad, func(context.Context, events.Event) error { return h.load() })
	h.unit.On(lifecycle.EventUnloaded, func(context.Context, events.Event) error { return h.unload() })
	h.unit.On(lifecycle.EventStart, func(ctx context.Context, _ events.Event) error { return h.spawn(ctx) })
	h.unit.On(lifecycle.EventStop, func(ctx context.Context, _ events.Event) error { return h.shutdown(ctx) })
	return h
}

func (h *Host) Name() string { return h.name }

func (h *Host) Definition() *definition.Definition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def
}

func (h *Host) Load(ctx context.Context) error   { return h.unit.Load(ctx) }
func (h *Host) Unload(ctx context.Context) error { return h.unit.Unload(ctx) }
func (h *Host) Stop(ctx context.Context) error   { return h.unit.Stop(ctx) }

// Start spawns the provider and completes the start handshake. When a later
// start handler vetoes, the spawned provider is shut down again.
func (h *Host) Start(ctx context.Context) error {
	err := h.unit.Start(ctx)
	if err != nil && !h.unit.IsStarted() {
		_ = h.shutdown(context.WithoutCancel(ctx))
	}
	return err
}

func (h *Host) IsLoaded() bool         { return h.unit.IsLoaded() }
func (h *Host) IsStarted() bool        { return h.unit.IsStarted() }
func (h *Host) State() lifecycle.State { return h.unit.State() }

// On subscribes to host events: lifecycle notifications, exit, fault and
// events forwarded from the child.
func (h *Host) On(name string, handler events.Handler) {
	h.events.On(name, handler)
}

func (h *Host) Use(observers ...events.Observer) {
	h.events.Use(observers...)
}

func (h *Host) PendingCount() int {
	return h.pending.Len()
}

// Exited reports whether the current child has gone away.
func (h *Host) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil && h.session.exited
}

// Run sends a run request for the named command. Nil args are sent as an
// empty object. cb is called exactly once.
func (h *Host) Run(ctx context.Context, name string, args command.Args, cb command.Callback) {
	if cb == nil {
		cb = func(any, error) {}
	}
	if !h.unit.IsStarted() {
		cb(nil, faults.New(faults.NotStarted, faults.Data{"service": h.name}, ""))
		return
	}
	if err := ctx.Err(); err != nil {
		cb(nil, err)
		return
	}
	if args == nil {
		args = command.Args{}
	}
	deadline := time.Now().Add(h.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	req := ipc.RunRequest{Command: name, Args: args}
	h.send(ipc.SubjectRun, req, deadline, func(data json.RawMessage, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(data, nil)
	})
}

// Call is the blocking form of Run. When ctx ends first the request stays
// pending until it resolves and its late result is discarded.
func (h *Host) Call(ctx context.Context, name string, args command.Args) (json.RawMessage, error) {
	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	h.Run(ctx, name, args, func(data any, err error) {
		ch <- outcome{data, err}
	})
	select {
	case out := <-ch:
		raw, _ := out.data.(json.RawMessage)
		return raw, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequest writes a request with a fresh correlation id and the default
// request timeout. It returns the id.
func (h *Host) SendRequest(subject string, data any, cb ipc.Callback) string {
	return h.send(subject, data, time.Now().Add(h.cfg.RequestTimeout), cb)
}

func (h *Host) send(subject string, data any, deadline time.Time, cb ipc.Callback) string {
	if cb == nil {
		cb = func(json.RawMessage, error) {}
	}
	id := uuid.NewString()
	msg, err := ipc.NewRequest(subject, id, data)
	if err != nil {
		cb(nil, faults.Wrap(faults.SendFailed, faults.Data{"service": h.name, "subject": subject}, err))
		return id
	}

	h.mu.Lock()
	s := h.session
	switch {
	case s == nil:
		h.mu.Unlock()
		cb(nil, faults.New(faults.NotStarted, faults.Data{"service": h.name}, ""))
		return id
	case s.exited:
		code := s.exitCode
		h.mu.Unlock()
		cb(nil, faults.New(faults.ServiceExited, faults.Data{"service": h.name, "exit_code": code}, ""))
		return id
	}
	h.pending.Add(ipc.Entry{
		ID:       id,
		Subject:  subject,
		Callback: cb,
		SentAt:   time.Now(),
		Deadline: deadline,
	})
	h.mu.Unlock()

	if err := s.enc.Encode(msg); err != nil {
		if entry, ok := h.pending.Resolve(id); ok {
			entry.Callback(nil, faults.Wrap(faults.SendFailed, faults.Data{"service": h.name, "subject": subject}, err))
		}
	}
	return id
}

// await sends a request and blocks for its outcome, bounded by timeout. On
// timeout the request is withdrawn so its callback never fires.
func (h *Host) await(ctx context.Context, subject string, data any, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan outcome, 1)
	id := h.send(subject, data, time.Now().Add(timeout), func(data json.RawMessage, err error) {
		ch <- outcome{data, err}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.data, out.err
	case <-timer.C:
	case <-ctx.Done():
	}
	if _, ok := h.pending.Resolve(id); ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, faults.New(faults.RequestTimeout, faults.Data{"service": h.name, "subject": subject, "id": id}, "")
	}
	out := <-ch
	return out.data, out.err
}

func (h *Host) load() error {
	if h.opts.Definition == "" {
		return nil
	}
	def, err := definition.Load(h.opts.Definition)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.def = def
	h.defFromFile = true
	h.mu.Unlock()
	return nil
}

func (h *Host) unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.defFromFile {
		h.def = nil
		h.defFromFile = false
	}
	return nil
}

func (h *Host) spawn(ctx context.Context) error {
	data := faults.Data{"service": h.name}
	proc, err := h.launcher.Launch(ctx, tools.Spec{
		Name:   h.name,
		Path:   h.opts.Provider,
		Args:   h.opts.Args,
		Env:    h.opts.Env,
		Dir:    h.opts.Dir,
		Stderr: h.opts.Stderr,
	})
	if err != nil {
		return faults.Wrap(faults.ServiceStartFailed, data, err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		proc:        proc,
		enc:         ipc.NewEncoder(proc.Stdin(), h.cfg.Limits),
		readerDone:  make(chan struct{}),
		closed:      make(chan struct{}),
		cancelSweep: cancel,
	}
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()

	go h.read(s)
	go h.supervise(s)
	go h.sweep(sweepCtx)

	log.Debug().Str("service", h.name).Int("pid", proc.Pid()).Msg("provider spawned")

	raw, err := h.await(ctx, ipc.SubjectStart, map[string]string{"service": h.name}, h.cfg.ReadyTimeout)
	if err != nil {
		s.stopping.Store(true)
		_ = proc.Kill()
		<-s.closed
		h.mu.Lock()
		h.session = nil
		h.mu.Unlock()
		return faults.Wrap(faults.ServiceStartFailed, data, err)
	}
	h.adoptDefinition(raw)

	log.Info().Str("service", h.name).Int("pid", proc.Pid()).Msg("service started")
	return nil
}

// adoptDefinition uses the definition reported by the child when none was
// loaded from a file.
func (h *Host) adoptDefinition(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.def != nil {
		return
	}
	var def definition.Definition
	if err := json.Unmarshal(raw, &def); err != nil || def.Validate() != nil {
		log.Debug().Str("service", h.name).Msg("start acknowledgement carried no usable definition")
		return
	}
	h.def = &def
}

func (h *Host) shutdown(ctx context.Context) error {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	s.stopping.Store(true)

	if !h.Exited() {
		if _, err := h.await(ctx, ipc.SubjectStop, nil, h.cfg.StopTimeout); err != nil {
			log.Warn().Err(err).Str("service", h.name).Msg("stop request not acknowledged")
		}
	}
	_ = s.proc.Stdin().Close()

	if !waitFor(ctx, s.proc.Done(), h.cfg.StopTimeout) {
		log.Debug().Str("service", h.name).Msg("terminating provider")
		_ = s.proc.Terminate()
		if !waitFor(ctx, s.proc.Done(), h.cfg.StopTimeout) {
			log.Warn().Str("service", h.name).Msg("killing provider")
			_ = s.proc.Kill()
		}
	}
	<-s.closed

	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
	log.Info().Str("service", h.name).Int("exit_code", s.proc.ExitCode()).Msg("service stopped")
	return nil
}

// read decodes child messages until stdout closes.
func (h *Host) read(s *session) {
	defer close(s.readerDone)
	stdout := s.proc.Stdout()
	defer stdout.Close()

	dec := ipc.NewDecoder(stdout, h.cfg.Limits)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				h.fault(faults.Wrap(faults.MessageNotSupported, faults.Data{"service": h.name}, err))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Warn().Err(err).Str("service", h.name).Msg("provider stream failed")
			}
			return
		}
		h.dispatch(msg)
	}
}

func (h *Host) dispatch(msg ipc.Message) {
	switch msg.Type {
	case ipc.TypeResponse:
		entry, ok := h.pending.Resolve(msg.ID)
		if !ok {
			h.fault(faults.New(faults.NoHandler, faults.Data{"service": h.name, "id": msg.ID}, ""))
			return
		}
		entry.Callback(msg.Data, msg.Err())
	case ipc.TypeEvent:
		if isReserved(msg.Subject) {
			log.Warn().Str("service", h.name).Str("subject", msg.Subject).Msg("provider event uses a reserved name")
			return
		}
		var data any
		if err := msg.DecodeData(&data); err != nil {
			data = msg.Data
		}
		if err := h.events.Emit(context.Background(), msg.Subject, data); err != nil {
			log.Warn().Err(err).Str("service", h.name).Str("event", msg.Subject).Msg("event handler failed")
		}
	default:
		h.fault(faults.New(faults.MessageNotSupported, faults.Data{"service": h.name, "type": string(msg.Type)}, ""))
	}
}

// fault logs and publishes a protocol fault that does not affect other
// requests.
func (h *Host) fault(err *faults.Error) {
	log.Warn().Str("service", h.name).Str("code", string(err.Code)).Msg(err.Error())
	_ = h.events.Emit(context.Background(), EventFault, err)
}

func (h *Host) sweep(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.expire(now)
		}
	}
}

func (h *Host) expire(now time.Time) {
	for _, entry := range h.pending.Expire(now) {
		entry.Callback(nil, faults.New(faults.RequestTimeout, faults.Data{
			"service": h.name,
			"subject": entry.Subject,
			"id":      entry.ID,
		}, ""))
	}
}

// supervise waits for the child to go away, fails whatever is still pending
// and publishes the exit.
func (h *Host) supervise(s *session) {
	select {
	case <-s.readerDone:
	case <-s.proc.Done():
		select {
		case <-s.readerDone:
		case <-time.After(drainGrace):
			_ = s.proc.Stdout().Close()
			<-s.readerDone
		}
	}
	s.cancelSweep()
	expected := s.stopping.Load()

	select {
	case <-s.proc.Done():
	default:
		if !expected {
			// stdout closed under a live child; it can no longer be reached
			_ = s.proc.Terminate()
			if !waitFor(context.Background(), s.proc.Done(), h.cfg.StopTimeout) {
				_ = s.proc.Kill()
			}
		}
		<-s.proc.Done()
	}
	code := s.proc.ExitCode()

	h.mu.Lock()
	s.exited = true
	s.exitCode = code
	h.mu.Unlock()

	reason := faults.ServiceStopped
	if !expected {
		reason = faults.ServiceExited
		log.Error().Str("service", h.name).Int("exit_code", code).Msg("provider exited unexpectedly")
	}
	for _, entry := range h.pending.Drain() {
		entry.Callback(nil, faults.New(reason, faults.Data{"service": h.name, "exit_code": code}, ""))
	}

	close(s.closed)

	status := ExitStatus{Service: h.name, Code: code, Expected: expected}
	if err := h.events.Emit(context.Background(), EventExit, status); err != nil {
		log.Warn().Err(err).Str("service", h.name).Msg("exit handler failed")
	}
}

func waitFor(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func isReserved(name string) bool {
	switch name {
	case lifecycle.EventLoad, lifecycle.EventLoaded,
		lifecycle.EventUnload, lifecycle.EventUnloaded,
		lifecycle.EventStart, lifecycle.EventStarted,
		lifecycle.EventStop, lifecycle.EventStopped,
		EventExit, EventFault:
		return true
	}
	return false
}
