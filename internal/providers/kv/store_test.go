package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/testutil/testlog"
)

func TestPutGetListDelete(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New()
	require.NoError(t, a.Start(ctx))

	var changes []Entry
	a.On(EventChanged, func(_ context.Context, ev events.Event) error {
		changes = append(changes, ev.Data.(Entry))
		return nil
	})

	_, err := a.Invoke(ctx, "put", command.Args{"key": "a", "value": "1"})
	require.NoError(t, err)
	_, err = a.Invoke(ctx, "put", command.Args{"key": "b", "value": 2})
	require.NoError(t, err)

	out, err := a.Invoke(ctx, "get", command.Args{"key": "b"})
	require.NoError(t, err)
	assert.Equal(t, Entry{Key: "b", Value: "2", Found: true}, out)

	out, err = a.Invoke(ctx, "list", command.Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)

	out, err = a.Invoke(ctx, "delete", command.Args{"key": "a"})
	require.NoError(t, err)
	assert.True(t, out.(Entry).Deleted)

	out, err = a.Invoke(ctx, "get", command.Args{"key": "a"})
	require.NoError(t, err)
	assert.False(t, out.(Entry).Found)

	out, err = a.Invoke(ctx, "delete", command.Args{"key": "a"})
	require.NoError(t, err)
	assert.False(t, out.(Entry).Deleted)

	require.Len(t, changes, 3)
	assert.True(t, changes[2].Deleted)
}

func TestListPrefixAndBlankKey(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := NewStore()
	s.Put("user/1", "x")
	s.Put("user/2", "y")
	s.Put("group/1", "z")
	a := NewWithStore(s)
	require.NoError(t, a.Start(ctx))

	out, err := a.Invoke(ctx, "list", command.Args{"prefix": "user/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user/1", "user/2"}, out)

	_, err = a.Invoke(ctx, "put", command.Args{"key": "  "})
	assert.ErrorIs(t, err, faults.ErrRequiredArgument)
	_, err = a.Invoke(ctx, "get", command.Args{})
	assert.ErrorIs(t, err, faults.ErrRequiredArgument)
}
