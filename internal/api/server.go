// Package api serves the status endpoints of a running quantization:
// Prometheus metrics, a health check, live progress and per-run results,
// plus an embedded status page at the root.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/awq/internal/metrics"
	"github.com/samcharles93/awq/internal/webui"
)

// ProgressSource reports the progress of the current run.
type ProgressSource interface {
	Snapshot() metrics.Progress
}

type Server struct {
	runs     *RunStore
	progress ProgressSource
	gatherer prometheus.Gatherer
	clock    func() time.Time
}

func NewServer(runs *RunStore, progress ProgressSource, gatherer prometheus.Gatherer) *Server {
	if runs == nil {
		runs = NewRunStore()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		runs:     runs,
		progress: progress,
		gatherer: gatherer,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", echo.WrapHandler(http.FileServer(webui.StaticFS())))
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	e.GET("/v1/progress", s.handleProgress)
	e.GET("/v1/runs", s.handleListRuns)
	e.GET("/v1/runs/:id", s.handleGetRun)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.clock().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleProgress(c *echo.Context) error {
	if s.progress == nil {
		return writeError(c, http.StatusServiceUnavailable, "unavailable", "no run in progress")
	}
	p := s.progress.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"progress": p,
		"percent":  p.Percent(),
	})
}

func (s *Server) handleListRuns(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.runs.List(),
	})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, ok := s.runs.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}
