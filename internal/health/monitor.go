// Package health aggregates dependency liveness into a composite status and
// samples pool metrics for observability.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the state of one component or of the whole system.
type Status string

const (
	StatusHealthy       Status = "healthy"
	StatusUnhealthy     Status = "unhealthy"
	StatusNotConfigured Status = "not_configured"
	// StatusUnknown appears only in metrics snapshots, when the cache was
	// busy at sampling time.
	StatusUnknown Status = "unknown"
)

// Component names as reported by the health endpoint.
const (
	ComponentDatabase = "database"
	ComponentCache    = "redis"
)

// DatabaseProbe is the required store's liveness check.
type DatabaseProbe interface {
	HealthCheck(ctx context.Context) error
}

// CacheProbe is the optional cache's liveness check.
type CacheProbe interface {
	IsHealthy(ctx context.Context) bool
}

// HealthMetric is one component reading.
type HealthMetric struct {
	Component string
	Status    Status
	Timestamp time.Time
}

// Report is the composite result of one health check.
type Report struct {
	Status    Status
	Timestamp time.Time
	Version   string
	Metrics   []HealthMetric
}

// Healthy reports whether the overall status is healthy.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// HTTPStatus maps the overall status to 200 or 503.
func (r Report) HTTPStatus() int {
	if r.Healthy() {
		return 200
	}
	return 503
}

// Components returns the component statuses keyed by name.
func (r Report) Components() map[string]Status {
	out := make(map[string]Status, len(r.Metrics))
	for _, m := range r.Metrics {
		out[m.Component] = m.Status
	}
	return out
}

// MarshalJSON renders the health endpoint body.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status     Status            `json:"status"`
		Timestamp  string            `json:"timestamp"`
		Version    string            `json:"version"`
		Components map[string]Status `json:"components"`
	}{
		Status:     r.Status,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339),
		Version:    r.Version,
		Components: r.Components(),
	})
}

// GuardedCache is the shared cache handle behind a mutex. The health path
// only ever tries the lock; other paths may block on it.
type GuardedCache struct {
	mu    sync.Mutex
	cache CacheProbe
}

// NewGuardedCache wraps probe. A nil probe yields a nil guard, meaning the
// cache is not configured.
func NewGuardedCache(probe CacheProbe) *GuardedCache {
	if probe == nil {
		return nil
	}
	return &GuardedCache{cache: probe}
}

// TryProbe probes the cache without waiting for the lock. acquired is false
// when another operation holds it.
func (g *GuardedCache) TryProbe(ctx context.Context) (healthy, acquired bool) {
	if !g.mu.TryLock() {
		return false, false
	}
	defer g.mu.Unlock()
	return g.cache.IsHealthy(ctx), true
}

// Do runs fn while holding the lock.
func (g *GuardedCache) Do(fn func(CacheProbe)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.cache)
}

// Monitor answers whether the system is usable right now.
type Monitor struct {
	db      DatabaseProbe
	cache   *GuardedCache
	version string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewMonitor builds a monitor. cache may be nil when no cache is configured.
func NewMonitor(db DatabaseProbe, cache *GuardedCache, version string, logger zerolog.Logger) *Monitor {
	return &Monitor{
		db:      db,
		cache:   cache,
		version: version,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Check probes every dependency and folds the results into a Report. The
// caller owns the deadline; an expired context counts as a failed probe.
func (m *Monitor) Check(ctx context.Context) Report {
	now := m.now()
	overall := StatusHealthy

	dbStatus := m.checkDatabase(ctx)
	if dbStatus != StatusHealthy {
		overall = StatusUnhealthy
	}

	cacheStatus := m.checkCache(ctx)
	if cacheStatus == StatusUnhealthy {
		overall = StatusUnhealthy
	}

	return Report{
		Status:    overall,
		Timestamp: now,
		Version:   m.version,
		Metrics: []HealthMetric{
			{Component: ComponentDatabase, Status: dbStatus, Timestamp: now},
			{Component: ComponentCache, Status: cacheStatus, Timestamp: now},
		},
	}
}

func (m *Monitor) checkDatabase(ctx context.Context) Status {
	if m.db == nil {
		return StatusUnhealthy
	}
	if err := m.db.HealthCheck(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("database health check failed")
		return StatusUnhealthy
	}
	if ctx.Err() != nil {
		m.logger.Warn().Err(ctx.Err()).Msg("database health check timed out")
		return StatusUnhealthy
	}
	return StatusHealthy
}

func (m *Monitor) checkCache(ctx context.Context) Status {
	if m.cache == nil {
		return StatusNotConfigured
	}

	healthy, acquired := m.cache.TryProbe(ctx)
	if !acquired {
		// contention carries no information about the cache itself
		return StatusHealthy
	}
	if !healthy || ctx.Err() != nil {
		m.logger.Warn().Msg("redis health check failed")
		return StatusUnhealthy
	}
	return StatusHealthy
}

// Watch runs Check every interval, each bounded by timeout, and calls
// onChange whenever the overall status flips. The first report is only
// recorded.
func (m *Monitor) Watch(ctx context.Context, interval, timeout time.Duration, onChange func(prev, next Report)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev *Report
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		report := m.Check(probeCtx)
		cancel()

		if prev != nil && prev.Status != report.Status && onChange != nil {
			onChange(*prev, report)
		}
		prev = &report
	}
}
