package session

import (
	"context"

	"go.uber.org/fx"

	"overseer/internal/config/logger"
)

// Module provides the Session and runs orphan cleanup once at startup,
// before the engine or any watcher begins spawning new processes.
var Module = fx.Options(
	fx.Provide(NewSession),
	fx.Invoke(func(lc fx.Lifecycle, s Session, log logger.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				cleanup(s, log.WithComponent("session"))
				return nil
			},
		})
	}),
)

func cleanup(s Session, log logger.Logger) {
	state, err := s.Load()
	if err != nil {
		return
	}

	if killed := KillOrphans(state, log); killed > 0 {
		log.Info().Int("count", killed).Msg("cleaned up orphaned processes from a prior run")
	}

	if err := s.Delete(); err != nil {
		log.Warn().Err(err).Msg("failed to remove stale session file")
	}
}
