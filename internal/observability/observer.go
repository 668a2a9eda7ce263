package observability

import (
	"github.com/rs/zerolog"

	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/host"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/logging"
)

// EventObserver turns service events into metrics and debug logs.
type EventObserver struct {
	logger zerolog.Logger
}

func NewEventObserver() *EventObserver {
	return &EventObserver{logger: logging.For("events")}
}

func (o *EventObserver) Observe(ev events.Event) {
	recordEvent(ev.Source, ev.Name)

	switch ev.Name {
	case lifecycle.EventStarted:
		setUp(ev.Source, true)
	case lifecycle.EventStopped:
		setUp(ev.Source, false)
	case host.EventFault:
		if err, ok := ev.Data.(error); ok {
			recordFault(ev.Source, string(faults.CodeOf(err)))
		}
	case host.EventExit:
		status, _ := ev.Data.(host.ExitStatus)
		recordExit(ev.Source, status.Expected)
		if !status.Expected {
			setUp(ev.Source, false)
		}
	}

	o.logger.Debug().
		Str("source", ev.Source).
		Str("event", ev.Name).
		Interface("data", ev.Data).
		Msg("service event")
}
