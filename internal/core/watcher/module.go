package watcher

import "go.uber.org/fx"

// Module wires the directory watcher. CommandSink is supplied by the
// supervisor engine's module.
var Module = fx.Options(fx.Provide(New))
