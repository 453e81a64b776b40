package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sdexindexer/internal/storage"
)

// PoolSource exposes raw connection pool counters.
type PoolSource interface {
	PoolCounters() storage.PoolCounters
}

// PoolStats describes the connection pool at sampling time.
type PoolStats struct {
	Size    int32 `json:"size"`
	MaxSize int32 `json:"max_size"`
	InUse   int32 `json:"in_use"`
	Idle    int32 `json:"idle"`
	// Waiting counts acquires that found no idle connection since the
	// previous sample; pgxpool does not expose its queue length directly.
	Waiting int64 `json:"waiting"`
}

// Utilization is InUse over MaxSize, in [0,1].
func (p PoolStats) Utilization() float64 {
	if p.MaxSize <= 0 {
		return 0
	}
	return float64(p.InUse) / float64(p.MaxSize)
}

// Snapshot is one background metrics reading. It is never persisted.
type Snapshot struct {
	SampledAt         time.Time `json:"sampled_at"`
	Pool              PoolStats `json:"pool"`
	DatabaseLatencyMS float64   `json:"database_latency_ms"`
	DatabaseError     string    `json:"database_error,omitempty"`
	CacheStatus       Status    `json:"cache_status"`
	CacheLatencyMS    float64   `json:"cache_latency_ms"`
}

// Exporter ships snapshots to an observability backend.
type Exporter interface {
	Export(ctx context.Context, snap Snapshot) error
}

// SamplerOptions tune the background sampler.
type SamplerOptions struct {
	Interval time.Duration
	// Timeout bounds the probes of one sample. Zero means no bound.
	Timeout time.Duration
	// Offset delays the first sample so probes do not line up with the
	// health watcher ticking on the same interval.
	Offset time.Duration
}

// Sampler periodically snapshots pool statistics and probe latency. It only
// produces metrics and never influences the composite health status.
type Sampler struct {
	pool      PoolSource
	db        DatabaseProbe
	cache     *GuardedCache
	opts      SamplerOptions
	exporters []Exporter
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.RWMutex
	latest        *Snapshot
	lastEmptyWait int64
	primed        bool
}

// NewSampler constructs a Sampler. cache may be nil.
func NewSampler(pool PoolSource, db DatabaseProbe, cache *GuardedCache, opts SamplerOptions, logger zerolog.Logger, exporters ...Exporter) *Sampler {
	return &Sampler{
		pool:      pool,
		db:        db,
		cache:     cache,
		opts:      opts,
		exporters: exporters,
		logger:    logger.With().Str("component", "metrics_sampler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run samples on every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	if s.opts.Offset > 0 {
		timer := time.NewTimer(s.opts.Offset)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.Sample(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sample takes one snapshot, stores it as the latest and exports it.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{SampledAt: s.now(), CacheStatus: StatusNotConfigured}

	if s.pool != nil {
		snap.Pool = s.poolStats(s.pool.PoolCounters())
	}

	probeCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.Timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	}
	defer cancel()

	if s.db != nil {
		start := time.Now()
		if err := s.db.HealthCheck(probeCtx); err != nil {
			snap.DatabaseError = err.Error()
		}
		snap.DatabaseLatencyMS = millis(time.Since(start))
	}

	if s.cache != nil {
		// never wait on the guard: a blocked sampler would hold the health
		// watcher's probes off the cache
		start := time.Now()
		healthy, acquired := s.cache.TryProbe(probeCtx)
		switch {
		case !acquired:
			snap.CacheStatus = StatusUnknown
		case healthy:
			snap.CacheStatus = StatusHealthy
		default:
			snap.CacheStatus = StatusUnhealthy
		}
		snap.CacheLatencyMS = millis(time.Since(start))
	}

	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()

	for _, exp := range s.exporters {
		if err := exp.Export(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("metrics export failed")
		}
	}

	return snap
}

// Latest returns the most recent snapshot, if any.
func (s *Sampler) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

func (s *Sampler) poolStats(c storage.PoolCounters) PoolStats {
	s.mu.Lock()
	var waiting int64
	if s.primed && c.EmptyAcquires >= s.lastEmptyWait {
		waiting = c.EmptyAcquires - s.lastEmptyWait
	}
	s.lastEmptyWait = c.EmptyAcquires
	s.primed = true
	s.mu.Unlock()

	return PoolStats{
		Size:    c.TotalConns,
		MaxSize: c.MaxConns,
		InUse:   c.AcquiredConns,
		Idle:    c.IdleConns,
		Waiting: waiting,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
