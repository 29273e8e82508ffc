package monitor

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the resource usage poller and starts/stops it alongside
// the rest of the supervisor's lifecycle.
var Module = fx.Options(
	fx.Provide(NewSampler),
	fx.Provide(NewPoller),
	fx.Invoke(func(lc fx.Lifecycle, p *Poller) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				p.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				p.Stop()
				return nil
			},
		})
	}),
)
