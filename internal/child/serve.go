// Package child answers the ipc protocol on behalf of an application running
// inside a provider process.
package child

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/app"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/ipc"
	"github.com/danmuck/nodus/internal/lifecycle"
)

type Options struct {
	Limits ipc.Limits
	// ShutdownTimeout bounds stopping the application once input ends.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Limits.MaxMessageBytes <= 0 {
		o.Limits = ipc.DefaultLimits()
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

type decoded struct {
	msg ipc.Message
	err error
}

// Serve reads requests from in and writes events and responses to out until
// in reaches EOF or ctx ends. The application is stopped on the way out if
// it is still started.
func Serve(ctx context.Context, a *app.Application, in io.Reader, out io.Writer, opts Options) error {
	opts = opts.withDefaults()
	enc := ipc.NewEncoder(out, opts.Limits)
	a.Use(forwarder{enc: enc, service: a.Name()})

	msgs := make(chan decoded)
	go func() {
		defer close(msgs)
		dec := ipc.NewDecoder(in, opts.Limits)
		for {
			msg, err := dec.Decode()
			select {
			case msgs <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ipc.ErrMalformed) {
				return
			}
		}
	}()

	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		shutdown(ctx, a, opts.ShutdownTimeout)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			if d.err != nil {
				if errors.Is(d.err, ipc.ErrMalformed) {
					log.Warn().Err(d.err).Str("service", a.Name()).Msg("dropping malformed message")
					continue
				}
				if errors.Is(d.err, io.EOF) {
					return nil
				}
				return d.err
			}
			handle(ctx, a, enc, d.msg, &inflight)
		}
	}
}

func handle(ctx context.Context, a *app.Application, enc *ipc.Encoder, msg ipc.Message, inflight *sync.WaitGroup) {
	if msg.Type != ipc.TypeRequest {
		log.Warn().Str("service", a.Name()).Str("code", string(faults.MessageNotSupported)).
			Str("type", string(msg.Type)).Msg("ignoring message")
		return
	}

	switch msg.Subject {
	case ipc.SubjectStart:
		err := a.Start(ctx)
		respond(enc, a, msg.ID, a.Definition(), err)
	case ipc.SubjectStop:
		err := a.Stop(ctx)
		respond(enc, a, msg.ID, nil, err)
	case ipc.SubjectRun:
		var req ipc.RunRequest
		if err := msg.DecodeData(&req); err != nil {
			respond(enc, a, msg.ID, nil, faults.Wrap(faults.InvalidCommand, nil, err))
			return
		}
		inflight.Add(1)
		a.Run(ctx, req.Command, req.Args, func(result any, err error) {
			defer inflight.Done()
			respond(enc, a, msg.ID, result, err)
		})
	default:
		err := faults.New(faults.SubjectNotSupported, faults.Data{"subject": msg.Subject}, "")
		if msg.ID == "" {
			log.Warn().Str("service", a.Name()).Msg(err.Error())
			return
		}
		respond(enc, a, msg.ID, nil, err)
	}
}

func respond(enc *ipc.Encoder, a *app.Application, id string, data any, err error) {
	if id == "" {
		return
	}
	if encErr := enc.Encode(ipc.NewResponse(id, data, err)); encErr != nil {
		log.Error().Err(encErr).Str("service", a.Name()).Str("id", id).Msg("response write failed")
	}
}

func shutdown(ctx context.Context, a *app.Application, timeout time.Duration) {
	if !a.IsStarted() {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Error().Err(err).Str("service", a.Name()).Msg("stop on shutdown failed")
	}
}

// forwarder relays application events to the parent. Lifecycle
// notifications stay local.
type forwarder struct {
	enc     *ipc.Encoder
	service string
}

func (f forwarder) Observe(ev events.Event) {
	if isLifecycle(ev.Name) {
		return
	}
	data := ev.Data
	if err, ok := data.(error); ok {
		data = faults.As(err).Object()
	}
	msg, err := ipc.NewEvent(ev.Name, data)
	if err == nil {
		err = f.enc.Encode(msg)
	}
	if err != nil {
		log.Warn().Err(err).Str("service", f.service).Str("event", ev.Name).Msg("event forward failed")
	}
}

func isLifecycle(name string) bool {
	switch name {
	case lifecycle.EventLoad, lifecycle.EventLoaded,
		lifecycle.EventUnload, lifecycle.EventUnloaded,
		lifecycle.EventStart, lifecycle.EventStarted,
		lifecycle.EventStop, lifecycle.EventStopped:
		return true
	}
	return false
}
