package idgen

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the service ID
// generator package.
var Module = fx.Options(
	fx.Provide(New),
)
