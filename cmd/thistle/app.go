package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/internal/repositories/issue"
	"github.com/Ramsey-B/thistle/internal/repositories/ruleoverride"
	"github.com/Ramsey-B/thistle/internal/repositories/run"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/orchestrator"
	"github.com/Ramsey-B/thistle/pkg/reconcile"
	"github.com/Ramsey-B/thistle/pkg/redis"
	"github.com/Ramsey-B/thistle/pkg/rules"
	"github.com/Ramsey-B/thistle/pkg/source"
	"github.com/Ramsey-B/thistle/pkg/startup"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	sqlDB    *sqlx.DB
	redis    *redis.Client
	producer *kafka.Producer

	issues    *issue.Repository
	runs      *run.Repository
	overrides *ruleoverride.Repository

	loader       *rules.Loader
	resolver     *rules.Resolver
	orchestrator *orchestrator.Orchestrator

	stops []func(context.Context) error
}

type appOptions struct {
	// migrate applies pending migrations after connecting.
	migrate bool
	// coordinate connects Redis for the cross-replica run lock.
	coordinate bool
}

// newApp starts the dependencies in order and wires the run pipeline on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger ectologger.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	a.startup.AddDependency(startup.Func{
		Name: "tracing",
		OnStart: func(ctx context.Context) error {
			tracingCfg := cfg.Tracing()
			tracingCfg.Logger = logger
			shutdown, err := tracing.Init(ctx, tracingCfg)
			if err != nil {
				return err
			}
			a.onStop(shutdown)
			return nil
		},
	})
	a.startup.AddDependency(startup.Func{
		Name: "database",
		OnStart: func(ctx context.Context) error {
			db, err := database.Connect(ctx, cfg.Database(), logger)
			if err != nil {
				return err
			}
			a.sqlDB = db
			return nil
		},
		OnStop: func(context.Context) error {
			if a.sqlDB == nil {
				return nil
			}
			return a.sqlDB.Close()
		},
	})
	if opts.migrate {
		a.startup.AddDependency(startup.Func{
			Name:     "migrations",
			Requires: []string{"database"},
			OnStart: func(context.Context) error {
				return database.NewMigrationService(logger, cfg.Migration()).Migrate(cfg.DatabaseName, a.sqlDB)
			},
		})
	}
	if opts.coordinate {
		a.startup.AddDependency(startup.Func{
			Name: "redis",
			OnStart: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, cfg.Redis(), logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			OnStop: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
	}
	if cfg.KafkaEnabled {
		a.startup.AddDependency(startup.Func{
			Name: "kafka",
			OnStart: func(context.Context) error {
				a.producer = kafka.NewProducer(cfg.Kafka(), logger)
				return nil
			},
			OnStop: func(context.Context) error {
				if a.producer == nil {
					return nil
				}
				return a.producer.Close()
			},
		})
	}

	if err := a.startup.Start(ctx); err != nil {
		return nil, err
	}
	if err := a.wire(); err != nil {
		_ = a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	db := database.NewDatabaseInstance(a.sqlDB, a.logger)
	a.issues = issue.NewRepository(db, a.logger)
	a.runs = run.NewRepository(db, a.logger)
	a.overrides = ruleoverride.NewRepository(db, a.logger)

	conditions, err := rules.NewConditions()
	if err != nil {
		return fmt.Errorf("create condition evaluator: %w", err)
	}
	a.resolver = rules.NewResolver(conditions)
	a.loader = rules.NewLoader(a.logger, a.cfg.RulesFilePath, a.overrides).WithPhoneRegion(a.cfg.DefaultPhoneRegion)

	fetcher, err := source.NewHTTPFetcher(a.cfg.Source(), a.cfg.RetryPolicy(), a.logger)
	if err != nil {
		return fmt.Errorf("create table source: %w", err)
	}

	deps := orchestrator.Dependencies{
		Logger:     a.logger,
		Rules:      a.loader,
		Resolver:   a.resolver,
		Conditions: conditions,
		Fetcher:    fetcher,
		Reconciler: reconcile.NewReconciler(a.logger, a.issues, a.cfg.WritebackBatchSize, a.cfg.RetryPolicy()),
		Runs:       a.runs,
		Publisher:  kafka.NoopPublisher{},
	}
	if a.producer != nil {
		deps.Publisher = a.producer
	}
	if a.redis != nil {
		deps.Coordinator = redis.NewCoordinator(a.redis, a.cfg.RedisKeyPrefix, a.cfg.RunLockTTL)
	}
	a.orchestrator = orchestrator.New(deps, a.cfg.Orchestrator())
	return nil
}

// onStop registers fn to run after the dependencies have stopped.
func (a *app) onStop(fn func(context.Context) error) {
	a.stops = append(a.stops, fn)
}

func (a *app) close(ctx context.Context) error {
	err := a.startup.Stop(ctx)
	for i := len(a.stops) - 1; i >= 0; i-- {
		if stopErr := a.stops[i](ctx); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}
