package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/awq/internal/api"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/metrics"
)

// startStatusServer serves metrics and progress on addr until ctx is
// cancelled. The returned channel yields the server's exit error.
func startStatusServer(ctx context.Context, addr string, runs *api.RunStore, rec *metrics.Recorder, reg *prometheus.Registry) <-chan error {
	log := logger.FromContext(ctx)
	e := echo.New()
	e.Use(middleware.Recover())
	api.NewServer(runs, rec, reg).Register(e)

	done := make(chan error, 1)
	go func() {
		log.Info("status server listening", "address", addr)
		sc := echo.StartConfig{
			Address:    addr,
			HideBanner: true,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = 5 * time.Second
				return nil
			},
		}
		err := sc.Start(ctx, e)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	return done
}
