package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/nodus/internal/config"
	"github.com/danmuck/nodus/internal/events"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/host"
	"github.com/danmuck/nodus/internal/ipc"
	"github.com/danmuck/nodus/internal/lifecycle"
	"github.com/danmuck/nodus/internal/providers/hello"
	"github.com/danmuck/nodus/internal/providers/kv"
	"github.com/danmuck/nodus/internal/testutil/childtest"
	"github.com/danmuck/nodus/internal/testutil/testlog"
	"github.com/danmuck/nodus/internal/transport"
)

func testIPC() ipc.Config {
	return ipc.Config{
		ReadyTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
		StopTimeout:    500 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}
}

func launcher() *childtest.Launcher {
	return childtest.NewLauncher().
		Register("hello", childtest.App(hello.New)).
		Register("kv", childtest.App(kv.New))
}

func newServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts = append([]Option{WithIPCConfig(testIPC()), WithLauncher(launcher())}, opts...)
	s := New("test", opts...)
	t.Cleanup(func() {
		if s.IsStarted() {
			_ = s.Stop(context.Background())
		}
	})
	return s
}

type addressed interface{ Addr() string }

func TestGreeterOverREST(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := newServer(t)
	require.NoError(t, s.AddService("helloworld", host.Options{Provider: "hello"}))
	require.NoError(t, s.AddInterface("api", transport.Options{
		Type:     "interfaces/rest",
		Settings: map[string]any{"host": "127.0.0.1", "port": 0},
	}))
	require.NoError(t, s.Start(ctx))

	h, ok := s.Service("helloworld")
	require.True(t, ok)
	assert.True(t, h.IsStarted())
	assert.Equal(t, "helloworld", h.Definition().Name)

	iface, ok := s.Interface("api")
	require.True(t, ok)
	resp, err := http.Get("http://" + iface.(addressed).Addr() + "/helloworld/sayhello?name=World")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"Hello, World!"`, string(body))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, h.IsStarted())
}

func TestRegistrationErrors(t *testing.T) {
	testlog.Start(t)
	s := newServer(t)
	require.NoError(t, s.AddService("helloworld", host.Options{Provider: "hello"}))

	err := s.AddService("helloworld", host.Options{Provider: "hello"})
	require.ErrorIs(t, err, faults.ErrServiceDefined)
	assert.Equal(t, "helloworld", faults.As(err).Data["name"])

	require.NoError(t, s.AddInterface("api", transport.Options{Type: "rest"}))
	assert.ErrorIs(t, s.AddInterface("api", transport.Options{Type: "rest"}), faults.ErrServiceDefined)

	err = s.AddInterface("grpc", transport.Options{Type: "grpc"})
	require.ErrorIs(t, err, faults.ErrInterfaceTypeUnknown)
	assert.Equal(t, "grpc", faults.As(err).Data["type"])

	assert.Equal(t, []string{"helloworld"}, s.Services())
	assert.Equal(t, []string{"api"}, s.Interfaces())
}

func TestStartRollsBackOnFailure(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := newServer(t)
	require.NoError(t, s.AddService("helloworld", host.Options{Provider: "hello"}))
	require.NoError(t, s.AddService("broken", host.Options{Provider: "missing"}))

	err := s.Start(ctx)
	require.ErrorIs(t, err, faults.ErrServiceStartFailed)
	assert.False(t, s.IsStarted())

	h, _ := s.Service("helloworld")
	assert.False(t, h.IsStarted())
}

// recorder is an interface that logs its calls into a shared journal.
type recorder struct {
	name    string
	journal *journal
	stopErr error
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (r *recorder) Start(context.Context) error {
	r.journal.add("start " + r.name)
	return nil
}

func (r *recorder) Stop(context.Context) error {
	r.journal.add("stop " + r.name)
	return r.stopErr
}

func (r *recorder) Type() string { return "recorder" }

func (r *recorder) MapService(name string, _ transport.Service) error {
	r.journal.add("map " + r.name + " " + name)
	return nil
}

func TestStartOrderAndStopJoinsErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	j := &journal{}
	boom := errors.New("boom")

	reg := transport.NewRegistry()
	reg.Register("recorder", func(name string, settings map[string]any) (transport.Interface, error) {
		r := &recorder{name: name, journal: j}
		if settings["fail_stop"] == true {
			r.stopErr = boom
		}
		return r, nil
	})

	s := newServer(t, WithTransports(reg))
	require.NoError(t, s.AddService("helloworld", host.Options{Provider: "hello"}))
	require.NoError(t, s.AddService("kv", host.Options{Provider: "kv"}))
	require.NoError(t, s.AddInterface("first", transport.Options{Type: "recorder", Settings: map[string]any{"fail_stop": true}}))
	require.NoError(t, s.AddInterface("second", transport.Options{Type: "recorder"}))

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, []string{
		"map first helloworld", "map first kv", "start first",
		"map second helloworld", "map second kv", "start second",
	}, j.list())
	assert.ErrorIs(t, s.AddService("late", host.Options{Provider: "hello"}), faults.ErrAlreadyStarted)

	err := s.Stop(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"stop second", "stop first"}, j.list()[6:])

	assert.False(t, s.IsStarted(), "a failed teardown still stops the server")
	for _, name := range s.Services() {
		h, _ := s.Service(name)
		assert.False(t, h.IsStarted(), name)
	}

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsStarted())
	assert.Equal(t, []string{"start first", "start second"}, j.list()[8:])
	for _, name := range s.Services() {
		h, _ := s.Service(name)
		assert.True(t, h.IsStarted(), name)
	}
}

func TestVetoedStartTearsDown(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	j := &journal{}
	reg := transport.NewRegistry()
	reg.Register("recorder", func(name string, _ map[string]any) (transport.Interface, error) {
		return &recorder{name: name, journal: j}, nil
	})

	s := newServer(t, WithTransports(reg))
	require.NoError(t, s.AddService("helloworld", host.Options{Provider: "hello"}))
	require.NoError(t, s.AddInterface("edge", transport.Options{Type: "recorder"}))
	s.On(lifecycle.EventStart, func(context.Context, events.Event) error {
		return errors.New("maintenance window")
	})

	require.Error(t, s.Start(ctx))
	assert.False(t, s.IsStarted())
	assert.Equal(t, []string{"map edge helloworld", "start edge", "stop edge"}, j.list())
	h, _ := s.Service("helloworld")
	assert.False(t, h.IsStarted())
}

func TestFromConfig(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cfg, err := config.Parse([]byte(`
name = "edge"

[ipc]
request_timeout = "2s"
stop_timeout = "500ms"
sweep_interval = "10ms"

[services.kv]
provider = "kv"

[services.helloworld]
provider = "hello"

[interfaces.stream]
type = "ws"
host = "127.0.0.1"
port = 0
`), "toml")
	require.NoError(t, err)

	s, err := FromConfig(cfg, WithLauncher(launcher()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(ctx) })
	assert.Equal(t, "edge", s.Name())
	assert.Equal(t, []string{"helloworld", "kv"}, s.Services())
	assert.Equal(t, []string{"stream"}, s.Interfaces())

	require.NoError(t, s.Start(ctx))
	h, _ := s.Service("kv")
	out, err := h.Call(ctx, "put", map[string]any{"key": "a", "value": "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"a","value":"1","found":true}`, string(out))
}

func TestGreeterWithoutInterfaces(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := newServer(t)
	require.NoError(t, s.AddService("greeter", host.Options{Provider: "hello"}))
	require.NoError(t, s.Start(ctx))

	greeter, ok := s.Service("greeter")
	require.True(t, ok)

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	greeter.Run(ctx, "sayhello", map[string]any{"name": "World"}, func(result any, err error) {
		done <- outcome{result, err}
	})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		raw, ok := out.result.(json.RawMessage)
		require.True(t, ok)
		assert.JSONEq(t, `"Hello, World!"`, string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("sayhello never answered")
	}
}
