package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/audit"
	"github.com/tech-arch1tect/berth-unpack/internal/auth"
	"github.com/tech-arch1tect/berth-unpack/internal/extract"
	"github.com/tech-arch1tect/berth-unpack/internal/health"
	"github.com/tech-arch1tect/berth-unpack/internal/jobs"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
	"github.com/tech-arch1tect/berth-unpack/internal/ssl"
	"github.com/tech-arch1tect/berth-unpack/internal/watch"
	"github.com/tech-arch1tect/berth-unpack/internal/websocket"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		runServer()
		return
	}

	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runServer() {
	fx.New(
		config.Module,
		logging.Module,
		audit.Module,
		extract.Module,
		websocket.Module,
		jobs.Module,
		health.Module,
		watch.Module,
		fx.Provide(NewEcho),
		fx.Invoke(RegisterRoutes),
		fx.Invoke(StartServer),
	).Run()
}

func NewEcho(requestLog *logging.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	e.Use(logging.RequestLoggingMiddleware(requestLog))
	return e
}

func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	logger *logging.Logger,
	auditService *audit.Service,
	healthHandler *health.Handler,
	jobsHandler *jobs.Handler,
	hub *websocket.Hub,
) {
	requireToken := auth.TokenMiddleware(cfg.AccessToken, logger, auditService)

	api := e.Group("/api", requireToken)

	api.GET("/health", healthHandler.Health)

	api.POST("/extract", jobsHandler.StartExtract)
	api.POST("/packages/unpack", jobsHandler.StartUnpack)
	api.GET("/jobs", jobsHandler.ListJobs)
	api.GET("/jobs/:jobId", jobsHandler.GetJob)
	api.GET("/jobs/:jobId/stream", jobsHandler.StreamJob)
	api.DELETE("/jobs/:jobId", jobsHandler.CancelJob)

	e.GET("/ws/jobs", hub.Handle, requireToken)
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *logging.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			start := func() error { return e.Start(":" + cfg.Port) }
			if cfg.TLSEnabled {
				certPath, keyPath, err := ssl.NewCertificateManager(cfg.TLSCertDir, logger).EnsureCertificates()
				if err != nil {
					return err
				}
				start = func() error { return e.StartTLS(":"+cfg.Port, certPath, keyPath) }
			}

			go func() {
				logger.Info("server starting", zap.String("port", cfg.Port), zap.Bool("tls", cfg.TLSEnabled))
				if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("server failed to start", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
