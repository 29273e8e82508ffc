// Command overseerd is the supervisor daemon: it loads a configuration
// file, keeps its services alive, and exposes the RPC, query/subscription,
// and metrics control surfaces over their respective sockets/ports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/control/metrics"
	"overseer/internal/control/query"
	"overseer/internal/control/rpc"
	"overseer/internal/core/bus"
	"overseer/internal/core/configreg"
	"overseer/internal/core/engine"
	"overseer/internal/core/executor"
	"overseer/internal/core/idgen"
	"overseer/internal/core/monitor"
	"overseer/internal/core/readiness"
	"overseer/internal/core/session"
	"overseer/internal/core/table"
	"overseer/internal/core/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to the service configuration file (default overseer.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	app := createApp(cfg, resolvedPath(*configPath))
	app.Run()
}

// resolvedPath returns the path the engine should register loaded services
// under: the flag value if given, otherwise the same default config.Load
// falls back to.
func resolvedPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	return config.ConfigFile
}

// createApp wires every core and control-plane module into one fx.App and
// arranges for the daemon's configuration to be loaded (and every declared
// service started) once the graph is up.
func createApp(cfg *config.Config, path string) *fx.App {
	return fx.New(
		fx.WithLogger(createFxLogger(cfg)),
		fx.Supply(cfg),
		fx.Provide(func() logger.Logger {
			return logger.NewLogger(cfg)
		}),

		bus.Module,
		table.Module,
		idgen.Module,
		configreg.Module,
		session.Module,
		readiness.Module,
		executor.Module,
		watcher.Module,
		engine.Module,
		monitor.Module,

		rpc.Module,
		query.Module,
		metrics.Module,

		fx.Invoke(func(lc fx.Lifecycle, e engine.Engine, log logger.Logger) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return startConfiguredServices(ctx, e, path, log)
				},
			})
		}),
	)
}

// startConfiguredServices reads the configuration file from disk one more
// time as raw bytes (the engine's LoadConfig takes unparsed YAML, since the
// configuration registry — not this entrypoint — owns parsing) and starts
// every service it declares in dependency order.
func startConfiguredServices(ctx context.Context, e engine.Engine, path string, log logger.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("no configuration file found; starting with zero services")
			return nil
		}

		return fmt.Errorf("read config %s: %w", path, err)
	}

	loadCtx, cancelLoad := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancelLoad()

	if err := e.LoadConfig(loadCtx, path, data); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancelStart()

	if err := e.Start(startCtx, path, ""); err != nil {
		log.Error().Err(err).Msg("one or more services failed to start")
	}

	return nil
}

func createFxLogger(cfg *config.Config) func() fxevent.Logger {
	return func() fxevent.Logger {
		if cfg.Logging.Level == logger.DebugLevel {
			return &fxevent.ConsoleLogger{W: os.Stdout}
		}

		return fxevent.NopLogger
	}
}
