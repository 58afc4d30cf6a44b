package extract

import (
	"fmt"
	"runtime"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/process"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

var Module = fx.Options(
	fx.Provide(NewRunnerFromConfig),
	fx.Provide(NewServiceFromConfig),
)

func NewRunnerFromConfig(cfg *config.Config, logger *logging.Logger) (*process.Runner, error) {
	runner, err := process.NewRunner(cfg.ArchiverPath, cfg.ConsoleCodePage, process.ForOS(runtime.GOOS), logger)
	if err != nil {
		return nil, fmt.Errorf("invalid archiver settings: %w", err)
	}
	if !runner.Available() {
		logger.Warn("external archiver not available, fallback extraction disabled",
			zap.String("archiver", cfg.ArchiverPath),
			zap.String("strategy", runner.Strategy().Name()),
		)
	}
	return runner, nil
}

func NewServiceFromConfig(cfg *config.Config, runner *process.Runner, logger *logging.Logger) (*Service, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewService(opts, runner, logger), nil
}

// OptionsFromConfig translates config values, rejecting unknown format
// names in PreferProcess.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{
		SkipUnsupported:  cfg.SkipUnsupportedEntries(),
		CleanupOnFailure: cfg.CleanupOnFailure,
		RemapConcurrency: cfg.RemapConcurrency,
	}
	for _, name := range cfg.PreferProcess {
		f, err := archive.ParseFormat(name)
		if err != nil {
			return Options{}, fmt.Errorf("invalid prefer_process entry: %w", err)
		}
		if f == archive.Detect {
			continue
		}
		opts.PreferProcess = append(opts.PreferProcess, f)
	}
	return opts, nil
}
