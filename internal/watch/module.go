package watch

import (
	"context"

	"go.uber.org/fx"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/audit"
	"github.com/tech-arch1tect/berth-unpack/internal/jobs"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

var Module = fx.Options(
	fx.Provide(NewWatcherWithConfig),
	fx.Invoke(StartWatcher),
)

func NewWatcherWithConfig(cfg *config.Config, manager *jobs.Manager, auditService *audit.Service, logger *logging.Logger) *Watcher {
	return NewWatcher(cfg.InboxDir, cfg.OutputRoot, manager, auditService, logger)
}

func StartWatcher(lc fx.Lifecycle, cfg *config.Config, w *Watcher, logger *logging.Logger) {
	if !cfg.WatchEnabled {
		logger.Debug("inbox watcher disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return w.Start()
		},
		OnStop: func(ctx context.Context) error {
			w.Stop()
			return nil
		},
	})
}
