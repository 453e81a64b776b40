// Package archival enforces the offer retention policy in bounded,
// individually transactional batches.
package archival

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sdexindexer/internal/model"
	"sdexindexer/internal/storage"
)

// Mode selects what happens to rows past the horizon.
type Mode string

const (
	ModeDelete Mode = "delete"
	ModeTable  Mode = "table"
	ModeS3     Mode = "s3"
)

// Policy is the retention configuration consulted at the start of each run.
type Policy struct {
	Mode       Mode
	BatchSize  int
	MaxBatches int // zero means unbounded
	// KeepLedgers is how many of the newest ledgers stay live; zero disables
	// the age-based horizon.
	KeepLedgers uint64
	// MinLedger floors the horizon: rows older than it are always eligible.
	MinLedger uint64
}

// PolicySource returns the policy in effect right now.
type PolicySource func() Policy

// BatchStore is the persistence surface the manager needs.
type BatchStore interface {
	ArchiveBatch(ctx context.Context, req storage.ArchiveBatchRequest) (int, error)
	MaxLedger(ctx context.Context) (uint64, error)
}

// Sink receives batches bound for cold storage before they are deleted.
type Sink interface {
	Store(ctx context.Context, runID string, batch int, offers []model.Offer) error
}

// Report summarises one run.
type Report struct {
	RunID            string
	Horizon          uint64
	Mode             Mode
	CompletedBatches int
	RowsArchived     int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Error is returned when a run stops part way. Batches counted in
// CompletedBatches are committed and stay committed.
type Error struct {
	CompletedBatches int
	RowsArchived     int
	Err              error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archival stopped after %d completed batches (%d rows): %v", e.CompletedBatches, e.RowsArchived, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrSinkRequired is returned when s3 mode runs without a sink.
var ErrSinkRequired = errors.New("archival: s3 mode requires a cold storage sink")

// Manager runs retention passes. It never resumes on its own; the scheduler
// or operator decides when to run again.
type Manager struct {
	store     BatchStore
	sink      Sink
	policy    PolicySource
	locker    storage.AdvisoryLocker
	lockKey   int64
	onFailure func(ctx context.Context, report Report, err error)
	logger    zerolog.Logger
	now       func() time.Time
	newRunID  func() string
}

// Option customises a Manager.
type Option func(*Manager)

// WithSink sets the cold storage sink used in s3 mode.
func WithSink(sink Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithAdvisoryLock keeps concurrent scheduled runs from overlapping.
func WithAdvisoryLock(locker storage.AdvisoryLocker, key int64) Option {
	return func(m *Manager) {
		m.locker = locker
		m.lockKey = key
	}
}

// WithFailureHook is invoked after a scheduled run fails.
func WithFailureHook(fn func(ctx context.Context, report Report, err error)) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// NewManager constructs a Manager.
func NewManager(store BatchStore, policy PolicySource, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		policy:   policy,
		logger:   logger.With().Str("component", "archival").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResolveHorizon computes the exclusive ledger horizon from the current
// policy and the newest stored ledger.
func (m *Manager) ResolveHorizon(ctx context.Context) (uint64, error) {
	policy := m.policy()

	var horizon uint64
	if policy.KeepLedgers > 0 {
		newest, err := m.store.MaxLedger(ctx)
		if err != nil {
			return 0, fmt.Errorf("resolve horizon: %w", err)
		}
		if newest > policy.KeepLedgers {
			horizon = newest - policy.KeepLedgers
		}
	}
	if policy.MinLedger > horizon {
		horizon = policy.MinLedger
	}
	return horizon, nil
}

// RunOnce archives rows with last_modified_ledger below horizon. Each batch
// commits on its own; on failure the returned *Error carries how many
// batches completed before it.
func (m *Manager) RunOnce(ctx context.Context, horizon uint64) (Report, error) {
	policy := m.policy()
	report := Report{
		RunID:     m.newRunID(),
		Horizon:   horizon,
		Mode:      policy.Mode,
		StartedAt: m.now(),
	}
	fail := func(err error) (Report, error) {
		report.FinishedAt = m.now()
		return report, &Error{CompletedBatches: report.CompletedBatches, RowsArchived: report.RowsArchived, Err: err}
	}

	if policy.BatchSize <= 0 {
		return fail(fmt.Errorf("archival: batch size must be positive"))
	}
	if policy.Mode == ModeS3 && m.sink == nil {
		return fail(ErrSinkRequired)
	}
	if horizon == 0 {
		report.FinishedAt = m.now()
		return report, nil
	}

	logger := m.logger.With().Str("run_id", report.RunID).Uint64("horizon", horizon).Str("mode", string(policy.Mode)).Logger()
	logger.Info().Int("batch_size", policy.BatchSize).Msg("archival run started")

	for policy.MaxBatches == 0 || report.CompletedBatches < policy.MaxBatches {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Int("completed_batches", report.CompletedBatches).Msg("archival run interrupted")
			return fail(err)
		}

		batchNo := report.CompletedBatches + 1
		req := storage.ArchiveBatchRequest{
			Horizon:       horizon,
			Limit:         policy.BatchSize,
			CopyToArchive: policy.Mode == ModeTable,
		}
		if policy.Mode == ModeS3 {
			req.Sink = func(ctx context.Context, offers []model.Offer) error {
				return m.sink.Store(ctx, report.RunID, batchNo, offers)
			}
		}

		n, err := m.store.ArchiveBatch(ctx, req)
		if err != nil {
			logger.Error().Err(err).Int("batch", batchNo).Int("completed_batches", report.CompletedBatches).Msg("archival batch failed")
			return fail(fmt.Errorf("batch %d: %w", batchNo, err))
		}
		if n == 0 {
			break
		}

		report.CompletedBatches++
		report.RowsArchived += n
		logger.Debug().Int("batch", batchNo).Int("rows", n).Msg("archival batch committed")

		if n < policy.BatchSize {
			break
		}
	}

	report.FinishedAt = m.now()
	logger.Info().
		Int("batches", report.CompletedBatches).
		Int("rows", report.RowsArchived).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("archival run complete")
	return report, nil
}

// RunScheduled is the entry point for the periodic trigger: it takes the
// advisory lock, resolves the horizon and runs once.
func (m *Manager) RunScheduled(ctx context.Context) (Report, error) {
	if m.locker != nil && m.lockKey != 0 {
		unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
		if err != nil {
			return Report{}, fmt.Errorf("acquire archival lock: %w", err)
		}
		if !acquired {
			m.logger.Debug().Msg("skip archival run because advisory lock held elsewhere")
			return Report{}, nil
		}
		defer unlock()
	}

	horizon, err := m.ResolveHorizon(ctx)
	if err != nil {
		return Report{}, err
	}

	report, err := m.RunOnce(ctx, horizon)
	if err != nil && m.onFailure != nil {
		m.onFailure(ctx, report, err)
	}
	return report, err
}
