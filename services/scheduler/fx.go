package scheduler

import (
	"context"

	"github.com/rtavytran/fusesell/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler.service",
	fx.Provide(NewService),
	fx.Invoke(seedOnStart),
)

func seedOnStart(lc fx.Lifecycle, svc *Service, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Scheduling.RulesFile == "" {
				return nil
			}
			if err := svc.SeedRules(ctx, cfg.Scheduling.RulesFile); err != nil {
				zap.L().Warn("failed to seed scheduling rules", zap.Error(err))
			}
			return nil
		},
	})
}
