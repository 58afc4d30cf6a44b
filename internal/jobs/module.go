package jobs

import (
	"context"

	"go.uber.org/fx"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/audit"
	"github.com/tech-arch1tect/berth-unpack/internal/extract"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
	"github.com/tech-arch1tect/berth-unpack/internal/websocket"
)

var Module = fx.Options(
	fx.Provide(NewManagerWithServices),
	fx.Provide(NewHandlerWithConfig),
	fx.Invoke(RegisterShutdown),
)

func NewManagerWithServices(cfg *config.Config, service *extract.Service, hub *websocket.Hub, auditService *audit.Service, logger *logging.Logger) *Manager {
	m := NewManager(service, hub, auditService, logger)
	m.SetHistoryLimit(cfg.JobHistoryLimit)
	return m
}

func NewHandlerWithConfig(cfg *config.Config, manager *Manager) *Handler {
	return NewHandler(manager, cfg.WorkRoot)
}

func RegisterShutdown(lc fx.Lifecycle, manager *Manager) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return manager.Shutdown(ctx)
		},
	})
}
