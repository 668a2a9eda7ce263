// Package ws exposes mapped services over a WebSocket.
//
// Clients send {"id","service","command","args"} text frames and receive
// {"id","error"|"data"} replies. Requests on one connection run
// concurrently; replies are written one at a time.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/logging"
	"github.com/danmuck/nodus/internal/observability"
	"github.com/danmuck/nodus/internal/transport"
)

const Type = "websocket"

const writeWait = 10 * time.Second

type Settings struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

func DefaultSettings() Settings {
	return Settings{
		Host:           "localhost",
		Port:           3001,
		Path:           "/ws",
		RequestTimeout: 30 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (s Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return faults.Errorf(faults.InvalidConfig, faults.Data{"port": s.Port}, "port out of range")
	}
	if s.RequestTimeout <= 0 {
		return faults.New(faults.InvalidConfig, nil, "request_timeout must be positive")
	}
	if s.Path == "" || s.Path[0] != '/' {
		return faults.Errorf(faults.InvalidConfig, faults.Data{"path": s.Path}, "path must start with /")
	}
	return nil
}

func Factory(name string, settings map[string]any) (transport.Interface, error) {
	cfg := DefaultSettings()
	if err := transport.Decode(settings, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(name, cfg), nil
}

// Request is a client frame.
type Request struct {
	ID      string       `json:"id"`
	Service string       `json:"service"`
	Command string       `json:"command"`
	Args    command.Args `json:"args,omitempty"`
}

// Reply answers one Request.
type Reply struct {
	ID    string          `json:"id"`
	Error *faults.Object  `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Interface struct {
	name     string
	settings Settings
	router   *gin.Engine
	services *transport.ServiceSet
	upgrader websocket.Upgrader

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	conns map[*conn]struct{}
}

func New(name string, settings Settings) *Interface {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(logging.For("ws"), name))

	i := &Interface{
		name:     name,
		settings: settings,
		router:   r,
		services: transport.NewServiceSet(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	r.GET(settings.Path, i.handleUpgrade)
	return i
}

func (i *Interface) Type() string { return Type }

func (i *Interface) Handler() http.Handler { return i.router }

func (i *Interface) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return ""
	}
	return i.ln.Addr().String()
}

// MapService makes svc reachable by name. Services must be mapped before Start.
func (i *Interface) MapService(name string, svc transport.Service) error {
	i.mu.Lock()
	started := i.srv != nil
	i.mu.Unlock()
	if started {
		return faults.New(faults.AlreadyStarted, faults.Data{"interface": i.name}, "services must be mapped before start")
	}
	return i.services.Add(name, svc)
}

func (i *Interface) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.srv != nil {
		return faults.New(faults.AlreadyStarted, faults.Data{"interface": i.name}, "")
	}
	addr := net.JoinHostPort(i.settings.Host, strconv.Itoa(i.settings.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket %s listen %s: %w", i.name, addr, err)
	}
	srv := &http.Server{Handler: i.router, ReadHeaderTimeout: 10 * time.Second}
	i.srv = srv
	i.ln = ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("interface", i.name).Msg("websocket server failed")
		}
	}()
	log.Info().Str("interface", i.name).Str("addr", ln.Addr().String()).
		Str("path", i.settings.Path).Msg("websocket interface listening")
	return nil
}

// Stop closes the listener and every open connection. Hijacked connections
// are not tracked by http.Server.Shutdown, so they are closed here.
func (i *Interface) Stop(ctx context.Context) error {
	i.mu.Lock()
	srv := i.srv
	i.srv = nil
	i.ln = nil
	conns := make([]*conn, 0, len(i.conns))
	for c := range i.conns {
		conns = append(conns, c)
	}
	i.mu.Unlock()
	if srv == nil {
		return faults.New(faults.NotStarted, faults.Data{"interface": i.name}, "")
	}

	err := srv.Shutdown(ctx)
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server stopping")
	}
	if err != nil {
		return fmt.Errorf("websocket %s shutdown: %w", i.name, err)
	}
	log.Info().Str("interface", i.name).Msg("websocket interface stopped")
	return nil
}

func (i *Interface) handleUpgrade(c *gin.Context) {
	raw, err := i.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("interface", i.name).Msg("websocket upgrade failed")
		return
	}
	raw.SetReadLimit(i.settings.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	cn := &conn{ws: raw, cancel: cancel}
	i.mu.Lock()
	i.conns[cn] = struct{}{}
	i.mu.Unlock()

	go func() {
		defer func() {
			i.mu.Lock()
			delete(i.conns, cn)
			i.mu.Unlock()
			cn.close(websocket.CloseNormalClosure, "")
		}()
		i.serve(ctx, cn)
	}()
}

func (i *Interface) serve(ctx context.Context, cn *conn) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("interface", i.name).Msg("websocket read ended")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			cn.reply(Reply{Error: faults.Wrap(faults.InvalidCommand, nil, err).Object()})
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			cn.reply(i.dispatch(ctx, req))
		}()
	}
}

func (i *Interface) dispatch(ctx context.Context, req Request) Reply {
	reply := Reply{ID: req.ID}
	svc, ok := i.services.Get(req.Service)
	if !ok {
		reply.Error = faults.New(faults.ServiceNotFound, faults.Data{"service": req.Service}, "").Object()
		return reply
	}

	ctx, cancel := context.WithTimeout(ctx, i.settings.RequestTimeout)
	defer cancel()
	start := time.Now()
	result, err := transport.Invoke(ctx, svc, req.Command, req.Args)
	code := "OK"
	if err != nil {
		code = string(faults.CodeOf(err))
	}
	observability.RecordCommand(i.name, req.Service, req.Command, code, time.Since(start))

	if err != nil {
		reply.Error = faults.As(err).Object()
		return reply
	}
	raw, err := transport.EncodeResult(result)
	if err != nil {
		reply.Error = faults.Wrap(faults.Internal, nil, err).Object()
		return reply
	}
	reply.Data = raw
	return reply
}

// conn serializes writes on one websocket.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *conn) reply(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(r); err != nil {
		log.Debug().Err(err).Str("id", r.ID).Msg("websocket reply failed")
	}
}

func (c *conn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = c.ws.Close()
}
