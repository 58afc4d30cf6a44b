package audit

import (
	"context"

	"go.uber.org/fx"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

var Module = fx.Provide(ProvideService)

// ProvideService opens the audit log described by cfg and closes it when
// the application stops.
func ProvideService(lc fx.Lifecycle, cfg *config.Config, logger *logging.Logger) (*Service, error) {
	svc, err := NewService(cfg.AuditLogEnabled, cfg.AuditLogFilePath, cfg.AuditLogSizeLimitBytes(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func(context.Context) error {
		return svc.Close()
	}))
	return svc, nil
}
