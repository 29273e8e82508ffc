package configreg

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the
// configuration registry package.
var Module = fx.Options(
	fx.Provide(New),
)
