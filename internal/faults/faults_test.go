package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := New(CommandNotFound, Data{"command": "missing"}, "")
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.ErrorIs(t, wrapped, ErrCommandNotFound)
	assert.NotErrorIs(t, wrapped, ErrRequiredArgument)
}

func TestErrorStringIncludesCodeDataAndCause(t *testing.T) {
	err := Wrap(ServiceStartFailed, Data{"service": "greeter"}, errors.New("boom"))

	assert.Equal(t, `[SERVICE_START_FAILED] {"service":"greeter"}: boom`, err.Error())
	assert.ErrorContains(t, err, "boom")
}

func TestObjectRoundTripKeepsCodeAndData(t *testing.T) {
	err := New(RequiredArgument, Data{"argument": "user"}, "missing argument")

	back := FromObject(err.Object())
	require.NotNil(t, back)
	assert.Equal(t, RequiredArgument, back.Code)
	assert.Equal(t, "user", back.Data["argument"])
	assert.ErrorIs(t, back, ErrRequiredArgument)
}

func TestObjectFallsBackToCauseMessage(t *testing.T) {
	obj := Wrap(Internal, nil, errors.New("handler panicked")).Object()
	assert.Equal(t, "handler panicked", obj.Message)
}

func TestAsWrapsPlainErrors(t *testing.T) {
	assert.Nil(t, As(nil))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
	assert.Equal(t, NotStarted, CodeOf(fmt.Errorf("ctx: %w", ErrNotStarted)))
}

func TestFromObjectDefaultsMissingCode(t *testing.T) {
	assert.Nil(t, FromObject(nil))
	assert.Equal(t, Internal, FromObject(&Object{Message: "x"}).Code)
}
