package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buildmesh/controller/cmd/controller/config"
	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	"github.com/buildmesh/controller/lib/liveness"
	"github.com/buildmesh/controller/lib/logger"
	mw "github.com/buildmesh/controller/lib/middleware"
	"github.com/buildmesh/controller/lib/store"
)

// App is the wired object graph the teacher assembled with google/wire.
// The graph here is small enough (five packages) to construct by hand, so
// wire was dropped — see DESIGN.md.
type App struct {
	Ctx    context.Context
	Config *config.Config
	Logger *slog.Logger

	Catalog    catalog.Catalog
	Store      *store.Store
	Dispatch   *dispatch.Engine
	Liveness   *liveness.Monitor
	Authorizer *mw.Authorizer
}

// initializeApp constructs the App, restoring the Dispatch Engine's index
// from the Catalog (spec §4.3) before returning. The returned cleanup
// closes the Catalog's connection pool.
func initializeApp(ctx context.Context, cfg *config.Config, logCfg logger.Config, otelHandler slog.Handler) (*App, func(), error) {
	appLogger := logger.NewSubsystemLogger(logger.SubsystemController, logCfg, otelHandler)

	pg, err := catalog.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrate catalog: %w", err)
	}

	objStore, err := store.New(cfg.StorageRoot)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("open object store: %w", err)
	}

	dispatchLogger := logger.NewSubsystemLogger(logger.SubsystemDispatch, logCfg, otelHandler)
	engine := dispatch.New(pg, dispatchLogger)
	if err := engine.Restore(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("restore dispatch engine: %w", err)
	}

	livenessLogger := logger.NewSubsystemLogger(logger.SubsystemLiveness, logCfg, otelHandler)
	monitor := liveness.New(liveness.Config{
		SweepInterval:  cfg.SweepInterval,
		BuildTimeout:   cfg.BuildHeartbeatTimeout,
		StaleThreshold: cfg.StaleWorkerThreshold,
	}, pg, engine, livenessLogger)

	authorizer := mw.NewAuthorizer(pg, cfg.APIKey)

	app := &App{
		Ctx:        ctx,
		Config:     cfg,
		Logger:     appLogger,
		Catalog:    pg,
		Store:      objStore,
		Dispatch:   engine,
		Liveness:   monitor,
		Authorizer: authorizer,
	}

	cleanup := func() {
		pg.Close()
	}
	return app, cleanup, nil
}
