package app

import (
	"context"
	"errors"
	"time"

	"sdexindexer/internal/archival"
	"sdexindexer/internal/storage"
)

// Archive performs a single archival run and prints its report.
func (a *App) Archive(ctx context.Context, opts ArchiveOptions) (archival.Report, error) {
	db, err := a.connectDatabase(ctx)
	if err != nil {
		return archival.Report{}, err
	}
	defer db.Close()

	if a.Config.Archival.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Archival.RunTimeout)
		defer cancel()
	}

	store := storage.NewStore(db.Pool())
	notifier := a.newNotifier()
	manager, err := a.newArchivalManager(ctx, store, notifier)
	if err != nil {
		return archival.Report{}, err
	}

	horizon := opts.Horizon
	if horizon == 0 {
		horizon, err = manager.ResolveHorizon(ctx)
		if err != nil {
			return archival.Report{}, err
		}
	}

	report, err := manager.RunOnce(ctx, horizon)
	a.printArchiveReport(report, err)
	if err != nil {
		a.notifyArchivalFailure(ctx, notifier, report, err)
	}
	return report, err
}

func (a *App) printArchiveReport(report archival.Report, err error) {
	a.printf("run_id:            %s\n", report.RunID)
	a.printf("mode:              %s\n", report.Mode)
	a.printf("horizon:           %d\n", report.Horizon)
	a.printf("completed_batches: %d\n", report.CompletedBatches)
	a.printf("rows_archived:     %d\n", report.RowsArchived)
	if !report.FinishedAt.IsZero() {
		a.printf("elapsed:           %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	var archErr *archival.Error
	if errors.As(err, &archErr) {
		a.printf("stopped:           %v\n", archErr.Err)
	}
}
