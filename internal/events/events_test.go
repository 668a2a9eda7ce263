package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRunsHandlersInOrderAndJoinsErrors(t *testing.T) {
	em := NewEmitter("unit")
	var order []string

	em.On("start", func(ctx context.Context, ev Event) error {
		order = append(order, "first")
		return errors.New("first failed")
	})
	em.On("start", func(ctx context.Context, ev Event) error {
		order = append(order, "second")
		return nil
	})
	em.On("stop", func(ctx context.Context, ev Event) error {
		order = append(order, "stop")
		return nil
	})

	err := em.Emit(context.Background(), "start", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "first failed")
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 2, em.HandlerCount("start"))
}

func TestObserversSeeEveryEvent(t *testing.T) {
	em := NewEmitter("svc")
	var seen []Event
	em.Use(ObserverFunc(func(ev Event) { seen = append(seen, ev) }), nil)

	require.NoError(t, em.Emit(context.Background(), "load", 1))
	require.NoError(t, em.Emit(context.Background(), "progress", "half"))

	require.Len(t, seen, 2)
	assert.Equal(t, "svc", seen[0].Source)
	assert.Equal(t, "load", seen[0].Name)
	assert.Equal(t, "half", seen[1].Data)
	assert.False(t, seen[1].At.IsZero())
}

func TestOnIgnoresNilHandler(t *testing.T) {
	em := NewEmitter("x")
	em.On("a", nil)
	assert.Equal(t, 0, em.HandlerCount("a"))
	assert.NoError(t, em.Emit(context.Background(), "a", nil))
}

func TestCheckStopsAtFirstError(t *testing.T) {
	em := NewEmitter("unit")
	var order []string
	var observed int
	em.Use(ObserverFunc(func(Event) { observed++ }))

	veto := errors.New("veto")
	em.On("start", func(context.Context, Event) error {
		order = append(order, "first")
		return veto
	})
	em.On("start", func(context.Context, Event) error {
		order = append(order, "second")
		return nil
	})

	assert.ErrorIs(t, em.Check(context.Background(), "start", nil), veto)
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 1, observed)
	assert.NoError(t, em.Check(context.Background(), "missing", nil))
}
