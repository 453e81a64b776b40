package app

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"sdexindexer/internal/config"
	"sdexindexer/internal/health"
	"sdexindexer/internal/scheduler"
	"sdexindexer/internal/server"
	"sdexindexer/internal/storage"
	"sdexindexer/internal/version"
)

// Run executes the long-running indexer: ingestion, archival, metrics
// sampling, health watching and the HTTP surface. Database connectivity
// and migrations are fatal at startup.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := a.connectDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	cacheClient, err := a.openCache()
	if err != nil {
		return err
	}
	if cacheClient == nil {
		a.Logger.Info().Msg("redis.addr not configured; cache reported as not_configured")
	} else {
		defer cacheClient.Close()
	}
	guard := a.newGuardedCache(cacheClient)

	store := storage.NewStore(db.Pool())
	notifier := a.newNotifier()

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)
	if err != nil {
		return err
	}
	ingestSvc := a.newIngestService(sched, store)

	cron := scheduler.NewCron(a.Config.Archival.RunTimeout, a.Logger)
	if a.Config.Archival.Enabled {
		manager, err := a.newArchivalManager(ctx, store, notifier)
		if err != nil {
			return err
		}
		if err := cron.Add("archival", a.Config.Archival.Schedule, func(ctx context.Context) error {
			_, err := manager.RunScheduled(ctx)
			return err
		}); err != nil {
			return err
		}
	} else {
		a.Logger.Info().Msg("archival disabled")
	}

	exporters := []health.Exporter{health.NewLogExporter(a.Logger)}
	if cw := a.Config.Metrics.CloudWatch; cw.Enabled {
		exporter, err := health.NewCloudWatchExporter(ctx, cw.Region, cw.Namespace, a.Config.App.Name)
		if err != nil {
			return err
		}
		exporters = append(exporters, exporter)
	}
	sampler := health.NewSampler(db, db, guard, health.SamplerOptions{
		Interval: a.Config.Metrics.Interval,
		Timeout:  a.Config.Server.HealthTimeout,
		Offset:   a.Config.Metrics.Interval / 2,
	}, a.Logger, exporters...)
	monitor := health.NewMonitor(db, guard, version.Version, a.Logger)
	srv := server.New(a.Config.Server, monitor, sampler, store, a.Logger)

	a.watchConfig()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(ingestSvc.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(cron.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sampler.Run(gctx)) })
	g.Go(func() error {
		return ignoreCanceled(monitor.Watch(gctx, a.Config.Metrics.Interval, a.Config.Server.HealthTimeout, a.notifyHealthChange(notifier)))
	})
	g.Go(func() error { return srv.Run(gctx) })

	a.Logger.Info().Str("version", version.Version).Str("addr", a.Config.Server.Addr).Msg("indexer started")
	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("indexer terminated with error")
		return err
	}
	a.Logger.Info().Msg("indexer stopped")
	return nil
}

func (a *App) watchConfig() {
	if a.ConfigPath == "" {
		return
	}
	_, err := config.Watch(a.ConfigPath, func(next *config.Config) {
		a.publishArchivalConfig(next.Archival)
	}, func(err error) {
		a.Logger.Warn().Err(err).Msg("ignoring invalid configuration reload")
	})
	if err != nil {
		a.Logger.Warn().Err(err).Str("path", a.ConfigPath).Msg("config watch not started")
	}
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	db, err := a.connectDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(ctx)
}
