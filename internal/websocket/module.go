package websocket

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewHub),
	fx.Invoke(RunHub),
)

// RunHub ties the hub's dispatch loop to the application lifecycle.
func RunHub(lc fx.Lifecycle, hub *Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StartStopHook(
		func() { go hub.Run(ctx) },
		cancel,
	))
}
