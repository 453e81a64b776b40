package app

import (
	"context"
	"time"

	"sdexindexer/internal/ingest"
	"sdexindexer/internal/storage"
)

// IngestOnce runs a single ingestion tick outside the scheduler.
func (a *App) IngestOnce(ctx context.Context) (ingest.TickStats, error) {
	db, err := a.connectDatabase(ctx)
	if err != nil {
		return ingest.TickStats{}, err
	}
	defer db.Close()

	store := storage.NewStore(db.Pool())
	stats, err := a.newIngestService(nil, store).ProcessTick(ctx, time.Now().UTC())
	if err != nil {
		return stats, err
	}

	a.printf("pages=%d fetched=%d normalized=%d quarantined=%d upserted=%d wrapped=%t\n",
		stats.Pages, stats.Fetched, stats.Normalized, stats.Quarantined, stats.Upserted, stats.Wrapped)
	return stats, nil
}

// BackfillTimes fills missing last_modified_time values from ledger headers.
func (a *App) BackfillTimes(ctx context.Context, limit int) (int, error) {
	db, err := a.connectDatabase(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	store := storage.NewStore(db.Pool())
	filled, err := a.newIngestService(nil, store).BackfillTimes(ctx, limit)
	if err != nil {
		return filled, err
	}
	a.printf("filled %d offers\n", filled)
	return filled, nil
}
