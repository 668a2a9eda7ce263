// Package rest exposes mapped services over HTTP.
//
// Each service gets:
//
//	GET  <base>/<service>            service definition
//	GET  <base>/<service>/:command   run with query parameters as arguments
//	POST <base>/<service>/:command   run with a JSON object body as arguments
//
// plus <base>/health and <base>/metrics.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/logging"
	"github.com/danmuck/nodus/internal/observability"
	"github.com/danmuck/nodus/internal/transport"
)

const Type = "rest"

type Settings struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	BasePath       string        `mapstructure:"base_path"`
	CorsOrigins    []string      `mapstructure:"cors_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		Host:           "localhost",
		Port:           3000,
		BasePath:       "/",
		RequestTimeout: 30 * time.Second,
	}
}

func (s Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return faults.Errorf(faults.InvalidConfig, faults.Data{"port": s.Port}, "port out of range")
	}
	if s.RequestTimeout <= 0 {
		return faults.New(faults.InvalidConfig, nil, "request_timeout must be positive")
	}
	return nil
}

// Factory builds a REST interface from free-form settings.
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

// Interface is the REST transport.
type Interface struct {
	name     string
	settings Settings
	router   *gin.Engine
	routes   *gin.RouterGroup
	services *transport.ServiceSet
	appeared time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(name string, settings Settings) *Interface {
	observability.RegisterMetrics()
	if settings.BasePath == "" {
		settings.BasePath = "/"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(logging.For("rest"), name))
	r.Use(observability.RouteMetrics(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(settings.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	i := &Interface{
		name:     name,
		settings: settings,
		router:   r,
		routes:   r.Group(settings.BasePath),
		services: transport.NewServiceSet(),
		appeared: time.Now(),
	}
	i.registerRoutes()
	return i
}

func (i *Interface) Type() string { return Type }

func (i *Interface) Name() string { return i.name }

// Handler exposes the router, mainly for tests.
func (i *Interface) Handler() http.Handler { return i.router }

// Addr returns the bound address once started.
func (i *Interface) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return ""
	}
	return i.ln.Addr().String()
}

// MapService adds routes for svc. Services must be mapped before Start.
func (i *Interface) MapService(name string, svc transport.Service) error {
	i.mu.Lock()
	started := i.srv != nil
	i.mu.Unlock()
	if started {
		return faults.New(faults.AlreadyStarted, faults.Data{"interface": i.name}, "services must be mapped before start")
	}
	if name == "health" || name == "metrics" {
		return faults.Errorf(faults.InvalidConfig, faults.Data{"service": name}, "%q is a reserved route", name)
	}
	if err := i.services.Add(name, svc); err != nil {
		return err
	}

	group := i.routes.Group("/"+name, observability.TagService(name))
	group.GET("", i.handleDefinition(name, svc))
	group.GET("/:command", i.handleRun(name, svc))
	group.POST("/:command", i.handleRun(name, svc))
	log.Debug().Str("interface", i.name).Str("path", joinBase(i.settings.BasePath, name)).Msg("service mapped")
	return nil
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
		return fmt.Errorf("rest %s listen %s: %w", i.name, addr, err)
	}
	srv := &http.Server{
		Handler:           i.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	i.srv = srv
	i.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("interface", i.name).Msg("rest server failed")
		}
	}()
	log.Info().Str("interface", i.name).Str("addr", ln.Addr().String()).
		Strs("services", i.services.Names()).Msg("rest interface listening")
	return nil
}

func (i *Interface) Stop(ctx context.Context) error {
	i.mu.Lock()
	srv := i.srv
	i.srv = nil
	i.ln = nil
	i.mu.Unlock()
	if srv == nil {
		return faults.New(faults.NotStarted, faults.Data{"interface": i.name}, "")
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("rest %s shutdown: %w", i.name, err)
	}
	log.Info().Str("interface", i.name).Msg("rest interface stopped")
	return nil
}

func (i *Interface) registerRoutes() {
	i.routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(i.appeared).String(),
			"interface": i.name,
			"services":  i.services.Names(),
		})
	})
	i.routes.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (i *Interface) handleDefinition(name string, svc transport.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		def := svc.Definition()
		if def == nil {
			c.JSON(http.StatusOK, gin.H{"name": name, "commands": gin.H{}})
			return
		}
		c.JSON(http.StatusOK, def)
	}
}

func (i *Interface) handleRun(name string, svc transport.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd := c.Param("command")
		args, err := requestArgs(c)
		if err != nil {
			writeError(c, err)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), i.settings.RequestTimeout)
		defer cancel()

		start := time.Now()
		result, err := transport.Invoke(ctx, svc, cmd, args)
		code := "OK"
		if err != nil {
			code = string(faults.CodeOf(err))
		}
		observability.RecordCommand(i.name, name, cmd, code, time.Since(start))

		if err != nil {
			log.Debug().Err(err).Str("service", name).Str("command", cmd).Msg("command failed")
			writeError(c, err)
			return
		}
		raw, err := transport.EncodeResult(result)
		if err != nil {
			writeError(c, faults.Wrap(faults.Internal, nil, err))
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
	}
}

// requestArgs merges query parameters and, for POST, the JSON body. Body
// values win over query values.
func requestArgs(c *gin.Context) (command.Args, error) {
	args := command.Args{}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 1 {
			args[key] = values[0]
		} else {
			args[key] = values
		}
	}
	if c.Request.Method != http.MethodPost || c.Request.Body == nil {
		return args, nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidCommand, nil, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return args, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, faults.Errorf(faults.InvalidCommand, nil, "request body must be a JSON object: %v", err)
	}
	for key, value := range fields {
		args[key] = value
	}
	return args, nil
}

func writeError(c *gin.Context, err error) {
	coded := faults.As(err)
	c.JSON(StatusFor(coded.Code), gin.H{"error": coded.Object()})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code faults.Code) int {
	switch code {
	case faults.CommandNotFound, faults.ServiceNotFound:
		return http.StatusNotFound
	case faults.RequiredArgument, faults.InvalidCommand:
		return http.StatusBadRequest
	case faults.RequestTimeout:
		return http.StatusGatewayTimeout
	case faults.NotStarted, faults.ServiceExited, faults.ServiceStopped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func joinBase(base, name string) string {
	return path.Join("/", base, name)
}
