package executor

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the executor
// package. The ExitNotifier (the engine) is supplied by internal/core/engine's
// own module since executor must not import engine.
var Module = fx.Options(
	fx.Provide(New),
)
