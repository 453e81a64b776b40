// Package ingest pulls offers from Horizon, normalizes them and persists
// them with a resumable paging cursor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sdexindexer/internal/horizon"
	"sdexindexer/internal/model"
	"sdexindexer/internal/scheduler"
	"sdexindexer/internal/storage"
)

// DefaultCursorName keys the offers stream in ingest_cursors.
const DefaultCursorName = "offers"

// OfferWriter is the storage surface used by ingestion.
type OfferWriter interface {
	UpsertOffers(ctx context.Context, offers []model.Offer) (int64, error)
	ListOffersMissingTime(ctx context.Context, limit int) ([]model.Offer, error)
	SetLastModifiedTime(ctx context.Context, offer model.Offer, at time.Time) error
}

// Options tune a tick.
type Options struct {
	CursorName         string
	PageLimit          int
	MaxPages           int
	ResolveLedgerTimes bool
	LockKey            int64
}

// TickStats summarises one tick.
type TickStats struct {
	Pages       int
	Fetched     int
	Normalized  int
	Quarantined int
	Upserted    int64
	Wrapped     bool
}

// Service orchestrates fetching, normalization and persistence.
type Service struct {
	scheduler *scheduler.Scheduler
	source    horizon.OfferSource
	offers    OfferWriter
	cursors   storage.CursorStore
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger
}

// New constructs the ingestion service. The advisory lock is used when the
// offer store also implements storage.AdvisoryLocker.
func New(opts Options, sched *scheduler.Scheduler, source horizon.OfferSource, offers OfferWriter, cursors storage.CursorStore, logger zerolog.Logger) *Service {
	if opts.CursorName == "" {
		opts.CursorName = DefaultCursorName
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 200
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}

	var locker storage.AdvisoryLocker
	if l, ok := offers.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		source:    source,
		offers:    offers,
		cursors:   cursors,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// Run begins the scheduled ingestion loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.ProcessTick(ctx, at)
		return err
	})
}

// ProcessTick runs one ingestion pass unless another instance holds the lock.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) (TickStats, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return TickStats{}, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return TickStats{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	stats, err := s.executeTick(ctx)
	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err)
	}
	event.Time("tick", at).
		Int("pages", stats.Pages).
		Int("fetched", stats.Fetched).
		Int("normalized", stats.Normalized).
		Int("quarantined", stats.Quarantined).
		Int64("upserted", stats.Upserted).
		Bool("wrapped", stats.Wrapped).
		Msg("ingest tick finished")
	return stats, err
}

func (s *Service) executeTick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	cursor, err := s.cursors.LoadCursor(ctx, s.opts.CursorName)
	if err != nil {
		return stats, fmt.Errorf("load cursor: %w", err)
	}

	closeTimes := make(map[uint64]time.Time)
	for stats.Pages < s.opts.MaxPages {
		page, err := s.source.FetchOffers(ctx, cursor, s.opts.PageLimit)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		stats.Fetched += len(page.Records)

		offers := s.normalizePage(page.Records, &stats)
		if s.opts.ResolveLedgerTimes {
			offers = s.attachCloseTimes(ctx, offers, closeTimes)
		}

		if len(offers) > 0 {
			n, err := s.persistPage(ctx, offers, &stats)
			if err != nil {
				return stats, fmt.Errorf("upsert offers: %w", err)
			}
			stats.Upserted += n
		}

		if len(page.Records) < s.opts.PageLimit {
			// end of the order book; the next pass starts from the top
			if err := s.cursors.SaveCursor(ctx, s.opts.CursorName, ""); err != nil {
				return stats, fmt.Errorf("reset cursor: %w", err)
			}
			stats.Wrapped = true
			return stats, nil
		}

		cursor = page.NextCursor
		if err := s.cursors.SaveCursor(ctx, s.opts.CursorName, cursor); err != nil {
			return stats, fmt.Errorf("save cursor: %w", err)
		}
	}
	return stats, nil
}

func (s *Service) normalizePage(records []model.RawOffer, stats *TickStats) []model.Offer {
	offers := make([]model.Offer, 0, len(records))
	for _, raw := range records {
		offer, err := model.Normalize(raw)
		if err != nil {
			stats.Quarantined++
			var nerr *model.NormalizationError
			kind := "unknown"
			if errors.As(err, &nerr) {
				kind = nerr.Kind.String()
			}
			s.logger.Warn().Err(err).Str("offer_id", raw.ID).Str("kind", kind).Msg("quarantined offer record")
			continue
		}
		stats.Normalized++
		offers = append(offers, offer)
	}
	return offers
}

// persistPage upserts the page in one batch. When the store refuses a row for
// its own data, the page is replayed row by row and only the refused rows are
// quarantined. Any other failure aborts the tick.
func (s *Service) persistPage(ctx context.Context, offers []model.Offer, stats *TickStats) (int64, error) {
	n, err := s.offers.UpsertOffers(ctx, offers)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, storage.ErrRejectedOffer) {
		return 0, err
	}

	var written int64
	for _, offer := range offers {
		n, err := s.offers.UpsertOffers(ctx, []model.Offer{offer})
		switch {
		case err == nil:
			written += n
		case errors.Is(err, storage.ErrRejectedOffer):
			stats.Normalized--
			stats.Quarantined++
			s.logger.Warn().Err(err).Uint64("offer_id", offer.ID).Str("kind", "rejected_by_store").Msg("quarantined offer record")
		default:
			return written, err
		}
	}
	return written, nil
}

// attachCloseTimes resolves ledger close times, caching per tick. A failed
// lookup leaves the time unset for a later backfill.
func (s *Service) attachCloseTimes(ctx context.Context, offers []model.Offer, cache map[uint64]time.Time) []model.Offer {
	for i, offer := range offers {
		at, ok := cache[offer.LastModifiedLedger]
		if !ok {
			var err error
			at, err = s.source.LedgerCloseTime(ctx, offer.LastModifiedLedger)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("ledger", offer.LastModifiedLedger).Msg("ledger close time lookup failed")
				continue
			}
			cache[offer.LastModifiedLedger] = at
		}
		offers[i] = offer.WithLastModifiedTime(at)
	}
	return offers
}

// BackfillTimes fills last_modified_time on up to limit stored offers that
// are missing it and returns how many were updated.
func (s *Service) BackfillTimes(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be greater than zero")
	}

	offers, err := s.offers.ListOffersMissingTime(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list offers missing time: %w", err)
	}

	cache := make(map[uint64]time.Time)
	filled := 0
	var lastErr error
	for _, offer := range offers {
		if err := ctx.Err(); err != nil {
			return filled, err
		}

		at, ok := cache[offer.LastModifiedLedger]
		if !ok {
			at, err = s.source.LedgerCloseTime(ctx, offer.LastModifiedLedger)
			if err != nil {
				lastErr = err
				s.logger.Warn().Err(err).Uint64("offer_id", offer.ID).Uint64("ledger", offer.LastModifiedLedger).Msg("skip backfill for offer")
				continue
			}
			cache[offer.LastModifiedLedger] = at
		}

		if err := s.offers.SetLastModifiedTime(ctx, offer, at); err != nil {
			return filled, fmt.Errorf("set time for offer %d: %w", offer.ID, err)
		}
		filled++
	}

	s.logger.Info().Int("candidates", len(offers)).Int("filled", filled).Msg("backfill complete")
	if filled == 0 && lastErr != nil {
		return 0, fmt.Errorf("backfill: every lookup failed: %w", lastErr)
	}
	return filled, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
