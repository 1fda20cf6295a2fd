package main

import (
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rtavytran/fusesell/internal/httpapi"
	pkgasynq "github.com/rtavytran/fusesell/pkg/asynq"
	"github.com/rtavytran/fusesell/pkg/config"
	"github.com/rtavytran/fusesell/pkg/db"
	"github.com/rtavytran/fusesell/pkg/gen"
	"github.com/rtavytran/fusesell/pkg/health"
	"github.com/rtavytran/fusesell/pkg/logger"
	"github.com/rtavytran/fusesell/pkg/redis"
	"github.com/rtavytran/fusesell/pkg/server"
	"github.com/rtavytran/fusesell/services/dispatcher"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/stages"
	"github.com/rtavytran/fusesell/services/task"
)

func main() {
	_ = godotenv.Load()

	app := fx.New(
		config.Module,
		logger.Module,
		gen.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		pkgasynq.Server,
		health.Module,

		task.Module,
		scheduler.Module,
		stages.Module,
		orchestrator.Module,
		dispatcher.Module,

		httpapi.Module,
		server.Module,

		fx.Invoke(migrate),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&task.Task{},
		&task.Operation{},
		&scheduler.ScheduledEvent{},
		&scheduler.SchedulingRule{},
	)
}
