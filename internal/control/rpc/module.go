package rpc

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the RPC server and starts/stops it with the daemon
// lifecycle. It is only pulled in by cmd/overseerd — engine tests never
// import this package, so the engine runs headless there.
var Module = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Start(ctx)
			},
			OnStop: func(context.Context) error {
				return s.Stop()
			},
		})
	}),
)
