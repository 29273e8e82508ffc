package table

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the process
// table package.
var Module = fx.Options(
	fx.Provide(New),
)
