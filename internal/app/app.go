// Package app wires configuration, storage and services for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sdexindexer/internal/alerting"
	"sdexindexer/internal/archival"
	"sdexindexer/internal/cache"
	"sdexindexer/internal/config"
	"sdexindexer/internal/health"
	"sdexindexer/internal/horizon"
	"sdexindexer/internal/ingest"
	"sdexindexer/internal/scheduler"
	"sdexindexer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
	Out        io.Writer

	archivalCfg atomic.Pointer[config.ArchivalConfig]
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, configPath string, logger zerolog.Logger) *App {
	a := &App{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger.With().Str("component", "app").Logger(),
		Out:        os.Stdout,
	}
	archivalCfg := cfg.Archival
	a.archivalCfg.Store(&archivalCfg)
	return a
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting a pair's offers.
type ExportOptions struct {
	Selling   string
	Buying    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ArchiveOptions configure a one-off archival run.
type ArchiveOptions struct {
	// Horizon overrides the policy-derived horizon when non-zero.
	Horizon uint64
}

func (a *App) connectDatabase(ctx context.Context) (*storage.Database, error) {
	db, err := storage.Connect(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	a.Logger.Debug().Int("max_conns", a.Config.Database.MaxOpenConns).Msg("database connected")
	return db, nil
}

// openCache returns nil when redis is not configured.
func (a *App) openCache() (*cache.Client, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	return cache.New(a.Config.Redis)
}

func (a *App) newGuardedCache(client *cache.Client) *health.GuardedCache {
	if client == nil {
		return nil
	}
	return health.NewGuardedCache(client)
}

func (a *App) newHorizon() *horizon.Client {
	cfg := a.Config.Horizon
	return horizon.NewClient(horizon.Options{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     cfg.UserAgent,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, a.Logger)
}

func (a *App) newIngestService(sched *scheduler.Scheduler, store *storage.Store) *ingest.Service {
	return ingest.New(ingest.Options{
		PageLimit:          a.Config.Ingest.PageLimit,
		MaxPages:           a.Config.Ingest.MaxPages,
		ResolveLedgerTimes: a.Config.Ingest.ResolveLedgerTimes,
		LockKey:            a.Config.Scheduler.AdvisoryLockKey,
	}, sched, a.newHorizon(), store, store, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// archivalPolicy reads the most recently published archival config, so a
// reloaded horizon applies from the next run on.
func (a *App) archivalPolicy() archival.Policy {
	return policyFromConfig(*a.archivalCfg.Load())
}

func policyFromConfig(cfg config.ArchivalConfig) archival.Policy {
	return archival.Policy{
		Mode:        archival.Mode(cfg.Mode),
		BatchSize:   cfg.BatchSize,
		MaxBatches:  cfg.MaxBatches,
		KeepLedgers: cfg.KeepLedgers,
		MinLedger:   cfg.MinLedger,
	}
}

func (a *App) publishArchivalConfig(cfg config.ArchivalConfig) {
	prev := a.archivalCfg.Swap(&cfg)
	if prev == nil || *prev != cfg {
		a.Logger.Info().
			Str("mode", cfg.Mode).
			Uint64("keep_ledgers", cfg.KeepLedgers).
			Uint64("min_ledger", cfg.MinLedger).
			Int("batch_size", cfg.BatchSize).
			Msg("archival policy updated")
	}
}

func (a *App) newArchivalManager(ctx context.Context, store *storage.Store, notifier alerting.Notifier) (*archival.Manager, error) {
	opts := []archival.Option{
		archival.WithAdvisoryLock(store, a.Config.Archival.AdvisoryLockKey),
		archival.WithFailureHook(func(ctx context.Context, report archival.Report, err error) {
			a.notifyArchivalFailure(ctx, notifier, report, err)
		}),
	}

	if a.Config.S3.Bucket != "" {
		sink, err := archival.NewBlobSink(ctx, a.Config.S3)
		if err != nil {
			return nil, err
		}
		if err := sink.Check(ctx); err != nil {
			a.Logger.Warn().Err(err).Str("bucket", a.Config.S3.Bucket).Msg("cold storage bucket check failed")
		}
		opts = append(opts, archival.WithSink(sink))
	}

	return archival.NewManager(store, a.archivalPolicy, a.Logger, opts...), nil
}

func (a *App) notifyArchivalFailure(ctx context.Context, notifier alerting.Notifier, report archival.Report, err error) {
	if notifier == nil {
		return
	}
	completed, rows := report.CompletedBatches, report.RowsArchived
	var archErr *archival.Error
	if errors.As(err, &archErr) {
		completed, rows = archErr.CompletedBatches, archErr.RowsArchived
	}
	note := alerting.ArchivalFailure(time.Now().UTC(), report.RunID, report.Horizon, completed, rows, err)
	if nerr := notifier.Notify(ctx, note); nerr != nil {
		a.Logger.Error().Err(nerr).Msg("failed to dispatch archival failure notification")
	}
}

func (a *App) notifyHealthChange(notifier alerting.Notifier) func(prev, next health.Report) {
	return func(prev, next health.Report) {
		a.Logger.Warn().Str("from", string(prev.Status)).Str("to", string(next.Status)).Msg("service health changed")
		if notifier == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		note := alerting.HealthTransition(next.Timestamp, string(prev.Status), string(next.Status), componentStatuses(next))
		if err := notifier.Notify(ctx, note); err != nil {
			a.Logger.Error().Err(err).Msg("failed to dispatch health notification")
		}
	}
}

func componentStatuses(r health.Report) map[string]string {
	out := make(map[string]string, len(r.Metrics))
	for name, status := range r.Components() {
		out[name] = string(status)
	}
	return out
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Out, format, args...)
}
