package engine

import (
	"context"

	"go.uber.org/fx"

	"overseer/internal/core/executor"
	"overseer/internal/core/watcher"
)

// Module provides the engine and breaks the engine<->executor<->watcher
// construction cycle: executor.New and watcher.New both take the engine
// itself (as their respective narrow interfaces), so the engine must exist
// before either is constructed, but the engine needs both to do anything.
// Resolved the way the teacher decouples watcher from runner (a shared bus
// rather than a direct reference) would suggest, adapted for fx: New
// returns a usable *engine with exec/watch nil, a CommandSink/ExitNotifier
// wrapper lets fx construct executor/watcher against it, and a single
// fx.Invoke binds them together and starts the consumer loop once every
// other constructor in the graph has run.
var Module = fx.Options(
	fx.Provide(New),
	fx.Provide(func(e *engine) Engine { return e }),
	fx.Provide(func(e *engine) executor.ExitNotifier { return e }),
	fx.Provide(func(e *engine) watcher.CommandSink { return NewCommandSink(e) }),
	fx.Invoke(func(lc fx.Lifecycle, e *engine, exec executor.Executor, w watcher.Manager) {
		e.bind(exec, w)

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				e.start()
				return nil
			},
			OnStop: func(context.Context) error {
				e.Close()
				return nil
			},
		})
	}),
)
