package bus

import (
	"go.uber.org/fx"

	"overseer/internal/config"
)

// Module provides the fx dependency injection options for the bus package.
var Module = fx.Options(
	fx.Provide(func(cfg *config.Config) Bus { return New(cfg.Logs.Buffer) }),
)
