package engine

import "overseer/internal/core/table"

// commandSink adapts engine to watcher.CommandSink. Kept as a separate type
// (rather than a method directly on *engine) because the engine's own
// Restart(ctx, path, name) already claims that method name for the
// ctx-aware client-facing operation.
type commandSink struct {
	e *engine
}

// NewCommandSink wraps e as a watcher.CommandSink.
func NewCommandSink(e *engine) commandSink {
	return commandSink{e: e}
}

func (s commandSink) Restart(key table.Key) {
	s.e.watchRestart(key)
}
