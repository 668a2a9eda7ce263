package app

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeRequiresStart(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("greeter", WithVersion("1.0.0"))
	require.NoError(t, a.Command("sayhello",
		[]command.Parameter{{Name: "name", Required: true}},
		func(_ context.Context, args command.Args) (any, error) {
			return "Hello, " + args.String("name") + "!", nil
		}))

	_, err := a.Invoke(ctx, "sayhello", command.Args{"name": "World"})
	require.ErrorIs(t, err, faults.ErrNotStarted)

	require.NoError(t, a.Start(ctx))
	out, err := a.Invoke(ctx, "sayhello", command.Args{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", out)

	done := make(chan error, 1)
	a.Run(ctx, "sayhello", command.Args{}, func(_ any, err error) { done <- err })
	assert.ErrorIs(t, <-done, faults.ErrRequiredArgument)
}

func TestDefinitionReflectsCommands(t *testing.T) {
	testlog.Start(t)
	a := New("greeter", WithDescription("greets"), WithVersion("2.0.0"))
	require.NoError(t, a.Register(command.Command{
		Name:       "sayhello",
		Parameters: []command.Parameter{{Name: "name", Required: true}},
		Handler:    func(context.Context, command.Args) (any, error) { return nil, nil },
	}))

	def := a.Definition()
	assert.Equal(t, "greeter", def.Name)
	assert.Equal(t, "2.0.0", def.Version)
	assert.Equal(t, []string{"sayhello"}, def.CommandNames())
	require.NoError(t, def.Validate())
}

func TestSubServicesFollowLifecycle(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("app")
	db := a.Service("db")
	cache := a.Service("cache")
	assert.Same(t, db, a.Service("db"))
	assert.Equal(t, []string{"db", "cache"}, a.Services())

	require.NoError(t, a.Start(ctx))
	assert.True(t, db.IsStarted())
	assert.True(t, cache.IsStarted())

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, lifecycle.StateLoaded, db.State())

	require.NoError(t, a.Unload(ctx))
	assert.Equal(t, lifecycle.StateUnloaded, cache.State())
}

func TestSubServiceFailureAbortsParent(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("app")
	db := a.Service("db")
	db.On(lifecycle.EventStart, func(context.Context, events.Event) error {
		return errors.New("no disk")
	})

	err := a.Start(ctx)
	require.ErrorIs(t, err, faults.ErrServiceError)
	assert.False(t, a.IsStarted())
}

func TestSubServiceErrorsForwarded(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("app")
	db := a.Service("db")

	var got error
	a.On(EventError, func(_ context.Context, ev events.Event) error {
		got, _ = ev.Data.(error)
		return nil
	})

	cause := errors.New("connection lost")
	require.NoError(t, db.Fail(ctx, cause))
	require.ErrorIs(t, got, faults.ErrServiceError)
	assert.ErrorIs(t, got, cause)
	assert.Equal(t, "db", faults.As(got).Data["service"])
}

func TestVetoedStartStopsSubServices(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("app")
	db := a.Service("db")
	a.On(lifecycle.EventStart, func(context.Context, events.Event) error {
		return errors.New("not today")
	})

	require.Error(t, a.Start(ctx))
	assert.False(t, a.IsStarted())
	assert.False(t, db.IsStarted())
	assert.True(t, db.IsLoaded())
}

func TestStopVisitsEverySubService(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New("app")
	db := a.Service("db")
	cache := a.Service("cache")
	db.On(lifecycle.EventStop, func(context.Context, events.Event) error {
		return errors.New("flush failed")
	})
	require.NoError(t, a.Start(ctx))

	err := a.Stop(ctx)
	require.ErrorIs(t, err, faults.ErrServiceError)
	assert.False(t, a.IsStarted())
	assert.False(t, db.IsStarted())
	assert.False(t, cache.IsStarted())
	require.NoError(t, a.Start(ctx))
}
