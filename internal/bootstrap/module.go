package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"eventrelay/internal/bootstrap/config"
	"eventrelay/internal/bootstrap/database"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	gormrepo "eventrelay/internal/infrastructure/persistence/gormdb/repository"
	gormuow "eventrelay/internal/infrastructure/persistence/gormdb/uow"
	"eventrelay/internal/ports"
	"eventrelay/internal/usecase/dispatch"
)

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideApp),
	fx.Provide(
		fx.Annotate(
			gormrepo.NewEventRepository,
			fx.As(new(ports.EventRepository)),
		),
	),
	fx.Provide(
		fx.Annotate(
			gormuow.NewUnitOfWork,
			fx.As(new(ports.UnitOfWork)),
		),
	),
	fx.Provide(provideRegistry),
	fx.Provide(provideRunner),
	fx.Provide(provideReporter),
	fx.Provide(dispatch.NewService),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.fx"))
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideApp(cfg config.Config, db *gorm.DB) *App {
	return &App{
		Config: cfg,
		DB:     db,
	}
}

func provideRegistry(cfg config.Config) (*event.Registry, error) {
	return event.LoadRegistry(cfg.Dispatch.EventTypesFile)
}

func provideRunner(cfg config.Config) ports.TaskRunner {
	return dispatch.NewRunner(cfg.Dispatch.Scheduler)
}

func provideReporter() ports.Reporter {
	return dispatch.LogReporter{}
}
