package logging

import (
	"context"

	"go.uber.org/fx"

	"github.com/tech-arch1tect/berth-unpack/config"
)

var Module = fx.Options(
	fx.Provide(ProvideLogger, ProvideRequestLog),
)

// ProvideLogger builds the process logger and flushes it on shutdown.
func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) (*Logger, error) {
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func(context.Context) {
		// syncing stdout returns EINVAL on some terminals
		_ = logger.Sync()
	}))
	return logger, nil
}

func ProvideRequestLog(lc fx.Lifecycle, cfg *config.Config, logger *Logger) (*Service, error) {
	svc, err := NewService(cfg.GetRequestLogEnabled(), cfg.GetRequestLogFilePath(), cfg.RequestLogSizeLimitBytes(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(svc.Close))
	return svc, nil
}
