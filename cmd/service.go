package main

import (
	"context"
	"fmt"

	repository "github.com/okian/feedbackloop/internal/adapters/repository"
	app "github.com/okian/feedbackloop/internal/app"
	"github.com/okian/feedbackloop/internal/config"
	"github.com/okian/feedbackloop/internal/domain/training"
	"github.com/okian/feedbackloop/internal/domain/trigger"
	"github.com/okian/feedbackloop/pkg/logger"
)

// openStore opens the record store selected by c.StoreDriver.
func openStore(ctx context.Context, c *config.Config) (repository.Store, error) {
	switch c.StoreDriver {
	case config.StoreSQLite:
		store, err := repository.NewSQLite(ctx, c.SQLitePath,
			repository.WithSQLiteLogger(logger.Named("sqlite")))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", c.SQLitePath, err)
		}
		return store, nil
	default:
		return repository.NewMemoryStore(ctx, repository.WithMemoryLogger(logger.Named("memstore"))), nil
	}
}

// serviceOptions maps configuration onto orchestrator options.
func serviceOptions(c *config.Config, store repository.Store) []app.Option {
	return []app.Option{
		app.WithLogger(logger.Named("service")),
		app.WithStore(store),
		app.WithTriggerPolicy(trigger.New(
			trigger.WithMinSamples(c.MinSamples),
			trigger.WithMinTotal(c.MinTotal),
		)),
		app.WithTrainer(training.New(
			training.WithMinSamples(c.MinTrainSamples),
			training.WithEnsembleSize(c.EnsembleSize),
			training.WithLambda(c.RidgeLambda),
			training.WithSeed(c.RandomSeed),
			training.WithLogger(logger.Named("trainer")),
		)),
		app.WithLatestAlgorithmVersion(c.LatestAlgorithmVersion),
		app.WithCycleMode(c.CycleMode),
		app.WithWorkerCount(c.WorkerCount),
		app.WithQueueSize(c.QueueSize),
		app.WithCycleBatchSize(c.CycleBatchSize),
		app.WithHistoryLimit(c.HistoryLimit),
	}
}

// startService opens the configured store and starts an orchestrator over it.
func startService(ctx context.Context, c *config.Config) (*app.Service, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	svc := app.New(serviceOptions(c, store)...)
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start service: %w", err)
	}
	return svc, nil
}
