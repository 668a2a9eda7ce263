package hello

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/testutil/testlog"
)

func TestSayHello(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	a := New()
	require.NoError(t, a.Start(ctx))

	out, err := a.Invoke(ctx, "sayhello", command.Args{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", out)

	_, err = a.Invoke(ctx, "sayhello", command.Args{})
	assert.ErrorIs(t, err, faults.ErrRequiredArgument)

	def := a.Definition()
	assert.Equal(t, Name, def.Name)
	assert.Equal(t, []string{"name"}, def.Commands["sayhello"].RequiredParameters())
}
