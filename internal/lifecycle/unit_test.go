package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordAll(u *Unit) *[]string {
	var seen []string
	u.Events().Use(events.ObserverFunc(func(ev events.Event) {
		seen = append(seen, ev.Name)
	}))
	return &seen
}

func TestStartAutoLoadsAndEmitsInOrder(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	seen := recordAll(u)

	require.NoError(t, u.Start(ctx))
	assert.True(t, u.IsLoaded())
	assert.True(t, u.IsStarted())
	assert.Equal(t, StateStarted, u.State())
	assert.Equal(t, []string{EventLoad, EventLoaded, EventStart, EventStarted}, *seen)
}

func TestUnloadAutoStops(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	require.NoError(t, u.Start(ctx))
	seen := recordAll(u)

	require.NoError(t, u.Unload(ctx))
	assert.Equal(t, StateUnloaded, u.State())
	assert.Equal(t, []string{EventStop, EventStopped, EventUnload, EventUnloaded}, *seen)
}

func TestOrderViolations(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")

	assert.ErrorIs(t, u.Unload(ctx), faults.ErrNotLoaded)
	assert.ErrorIs(t, u.Stop(ctx), faults.ErrNotStarted)

	require.NoError(t, u.Load(ctx))
	assert.ErrorIs(t, u.Load(ctx), faults.ErrAlreadyLoaded)

	require.NoError(t, u.Start(ctx))
	assert.ErrorIs(t, u.Start(ctx), faults.ErrAlreadyStarted)

	require.NoError(t, u.Stop(ctx))
	assert.Equal(t, StateLoaded, u.State())
	assert.ErrorIs(t, u.Stop(ctx), faults.ErrNotStarted)
}

func TestBeforeHookVetoesTransition(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	boom := errors.New("spawn failed")
	u.On(EventStart, func(context.Context, events.Event) error { return boom })

	err := u.Start(ctx)
	require.ErrorIs(t, err, boom)
	assert.False(t, u.IsStarted())
	assert.True(t, u.IsLoaded(), "auto-load happened before the vetoed start")
}

func TestVetoSkipsLaterHooks(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	ran := false
	u.On(EventStart, func(context.Context, events.Event) error { return errors.New("no") })
	u.On(EventStart, func(context.Context, events.Event) error {
		ran = true
		return nil
	})

	require.Error(t, u.Start(ctx))
	assert.False(t, ran)
	assert.False(t, u.IsStarted())
}

func TestStopHookErrorStillStops(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	boom := errors.New("teardown failed")
	var stopped bool
	u.On(EventStop, func(context.Context, events.Event) error { return boom })
	u.On(EventStopped, func(context.Context, events.Event) error {
		stopped = true
		return nil
	})

	require.NoError(t, u.Start(ctx))
	require.ErrorIs(t, u.Stop(ctx), boom)
	assert.False(t, u.IsStarted())
	assert.True(t, stopped)
	require.NoError(t, u.Start(ctx))
}

func TestAfterHookErrorKeepsStateChange(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	u := New("svc")
	u.On(EventLoaded, func(context.Context, events.Event) error { return errors.New("late") })

	require.Error(t, u.Load(ctx))
	assert.True(t, u.IsLoaded())
}

func TestSharedEmitter(t *testing.T) {
	testlog.Start(t)
	em := events.NewEmitter("owner")
	u := New("svc", WithEmitter(em))
	var source string
	em.On(EventLoaded, func(_ context.Context, ev events.Event) error {
		source = ev.Source
		return nil
	})

	require.NoError(t, u.Load(context.Background()))
	assert.Equal(t, "owner", source)
	assert.Same(t, em, u.Events())
}
