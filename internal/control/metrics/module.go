package metrics

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the metrics/health HTTP server and starts/stops it with
// the daemon lifecycle. Only cmd/overseerd pulls this in.
var Module = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
