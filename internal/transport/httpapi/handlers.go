package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"phishwatch/internal/analytics"
	"phishwatch/internal/config"
	"phishwatch/internal/readthrough"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/scheduler"
)

// diagnosticTail bounds the stderr/stdout excerpt returned on task failure.
const diagnosticTail = 2 << 10

type readResponse struct {
	Key       string          `json:"key"`
	FromCache bool            `json:"fromCache"`
	WrittenAt time.Time       `json:"writtenAt,omitempty"`
	Failed    bool            `json:"failed,omitempty"`
	Value     json.RawMessage `json:"value"`
}

type taskErrorResponse struct {
	Message  string `json:"message"`
	Task     string `json:"task,omitempty"`
	Kind     string `json:"kind,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	out := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		out["details"] = s.deps.Health()
	}
	return c.JSON(http.StatusOK, out)
}

// handleCacheRead is the consumer read: the entry for :name if it is at most
// ?ttl old. Nothing is computed.
func (s *Server) handleCacheRead(c echo.Context) error {
	key := c.Param("name")
	rawTTL := c.QueryParam("ttl")
	if rawTTL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ttl query parameter required")
	}
	ttl, err := config.ParseReadTTL("ttl", rawTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := storage.ValidateKey(key); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, ok, err := s.deps.Reader.Peek(c.Request().Context(), key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no fresh entry for "+key)
	}
	return c.JSON(http.StatusOK, readResponse{
		Key:       key,
		FromCache: true,
		WrittenAt: res.WrittenAt,
		Failed:    storage.IsFailureMarker(res.Value),
		Value:     res.Value,
	})
}

func (s *Server) handleArtifact(c echo.Context) error {
	ep, ok := s.endpoints[c.Param("name")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown artifact "+c.Param("name"))
	}
	ctx := c.Request().Context()

	if ep.Task == nil {
		res, ok, err := s.deps.Reader.Peek(ctx, ep.CacheKey, ep.TTL)
		if err != nil {
			return err
		}
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no fresh entry for "+ep.Name)
		}
		return c.JSON(http.StatusOK, readResponse{
			Key: ep.CacheKey, FromCache: true, WrittenAt: res.WrittenAt,
			Failed: storage.IsFailureMarker(res.Value), Value: res.Value,
		})
	}

	res, err := s.deps.Reader.GetOrCompute(ctx, ep.CacheKey, ep.TTL, *ep.Task, nil)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, readResponse{Key: ep.CacheKey, FromCache: res.FromCache, WrittenAt: res.WrittenAt, Value: res.Value})
}

func (s *Server) handleScore(c echo.Context) error {
	if s.deps.Analytics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scoring not configured")
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	item, _, err := s.deps.Analytics.Score(c.Request().Context(), body.URL)
	if errors.Is(err, analytics.ErrEmptyURL) {
		return echo.NewHTTPError(http.StatusBadRequest, "missing url")
	}
	if err != nil {
		return taskError(err)
	}
	return c.JSONBlob(http.StatusOK, item)
}

func (s *Server) handleKPI(c echo.Context) error {
	if s.deps.Analytics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scoring not configured")
	}
	k, err := s.deps.Analytics.KPI(c.Request().Context())
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, k)
}

func (s *Server) handleSchedules(c echo.Context) error {
	if s.deps.Scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}
	return c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) handleTrigger(c echo.Context) error {
	if s.deps.Scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}
	if !s.limiter.Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many manual triggers")
	}
	name := c.Param("name")
	switch err := s.deps.Scheduler.Trigger(name); {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"rule": name, "status": "started"})
	case errors.Is(err, scheduler.ErrOverlapSkip):
		return echo.NewHTTPError(http.StatusConflict, "rule "+name+" is already running")
	case errors.Is(err, scheduler.ErrUnknownRule):
		return echo.NewHTTPError(http.StatusNotFound, "unknown rule "+name)
	case errors.Is(err, scheduler.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler stopped")
	default:
		return err
	}
}

// taskError maps a backend failure to 502 with its diagnostics.
func taskError(err error) error {
	if errors.Is(err, readthrough.ErrClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	te, ok := backend.AsError(err)
	if !ok {
		if errors.Is(err, analytics.ErrBadResults) || errors.Is(err, analytics.ErrNoCases) {
			return echo.NewHTTPError(http.StatusBadGateway, map[string]any{"message": err.Error()})
		}
		return err
	}
	return echo.NewHTTPError(http.StatusBadGateway, taskErrorResponse{
		Message:  te.Error(),
		Task:     te.Task,
		Kind:     string(te.Kind),
		ExitCode: te.ExitCode,
		Stderr:   tail(te.Stderr),
		Stdout:   tail(te.Stdout),
	})
}

func tail(b []byte) string {
	if len(b) > diagnosticTail {
		b = b[len(b)-diagnosticTail:]
	}
	return strings.ToValidUTF8(string(b), "")
}
