package health

import (
	"go.uber.org/fx"

	"github.com/tech-arch1tect/berth-unpack/internal/archive/process"
)

// Module reports the process runner's availability as the archiver.
var Module = fx.Provide(
	fx.Annotate(NewHandler, fx.From(new(*process.Runner))),
)
