// Package httpapi serves cached artifacts, scoring and schedule control over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"phishwatch/internal/analytics"
	"phishwatch/internal/readthrough"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/scheduler"
	"phishwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TriggerPerMinute bounds manual schedule triggers across all rules.
	TriggerPerMinute int
	Pprof            bool
}

// Endpoint is a read-through artifact. A nil Task makes it cache-only: it is
// filled by a schedule rule and never computed on request.
type Endpoint struct {
	Name     string
	CacheKey string
	TTL      time.Duration
	Task     *backend.Descriptor
}

// Scheduler is the part of the schedule coordinator the API drives.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Trigger(name string) error
}

type Deps struct {
	Reader    *readthrough.Coordinator
	Scheduler Scheduler
	// Analytics is optional; without it the scoring routes answer 503.
	Analytics *analytics.Service
	Endpoints []Endpoint
	// Health adds details to /healthz.
	Health func() any
	Log    logx.Logger
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	e       *echo.Echo
	limiter *rate.Limiter

	endpoints map[string]Endpoint
}

func New(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.TriggerPerMinute <= 0 {
		cfg.TriggerPerMinute = 6
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log.With(logx.String("comp", "httpapi")),
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.TriggerPerMinute)), cfg.TriggerPerMinute),
		endpoints: make(map[string]Endpoint, len(deps.Endpoints)),
	}
	for _, ep := range deps.Endpoints {
		if ep.CacheKey == "" {
			ep.CacheKey = ep.Name
		}
		s.endpoints[ep.Name] = ep
	}
	s.e = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(s.requestLog)
	e.Use(metricsMiddleware)
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/cache/:name", s.handleCacheRead)
	api.GET("/artifacts/:name", s.handleArtifact)
	api.POST("/score", s.handleScore)
	api.GET("/analytics/kpi", s.handleKPI)
	api.GET("/schedules", s.handleSchedules)
	api.POST("/schedules/:name/run", s.handleTrigger)

	if s.cfg.Pprof {
		mountPprof(e)
	}
	return e
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Serve listens on cfg.Addr and serves until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		status := c.Response().Status
		fields := []logx.Field{
			logx.String("method", req.Method),
			logx.String("uri", req.RequestURI),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
		}
		if status >= 500 {
			s.log.Warn("http request", fields...)
		} else {
			s.log.Debug("http request", fields...)
		}
		return nil
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := he.Message
		if m, ok := msg.(string); ok {
			msg = map[string]any{"message": m}
		}
		if werr := c.JSON(he.Code, msg); werr != nil {
			s.log.Error("failed to write http error", logx.Err(werr))
		}
		return
	}
	s.log.Warn("handler error", logx.String("path", c.Path()), logx.Err(err))
	_ = c.JSON(http.StatusInternalServerError, map[string]any{"message": "internal error"})
}
