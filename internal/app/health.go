package app

import (
	"context"
	"encoding/json"
	"errors"

	"sdexindexer/internal/health"
	"sdexindexer/internal/version"
)

// ErrUnhealthy is returned by Health when the composite status is unhealthy.
var ErrUnhealthy = errors.New("service unhealthy")

// Health runs one composite check, prints the JSON report and returns
// ErrUnhealthy when the service would answer 503.
func (a *App) Health(ctx context.Context) (health.Report, error) {
	var dbProbe health.DatabaseProbe
	db, err := a.connectDatabase(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("database unreachable")
	} else {
		defer db.Close()
		dbProbe = db
	}

	cacheClient, err := a.openCache()
	if err != nil {
		return health.Report{}, err
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	monitor := health.NewMonitor(dbProbe, a.newGuardedCache(cacheClient), version.Version, a.Logger)

	probeCtx, cancel := context.WithTimeout(ctx, a.Config.Server.HealthTimeout)
	defer cancel()
	report := monitor.Check(probeCtx)

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	a.printf("%s\n", body)

	if !report.Healthy() {
		return report, ErrUnhealthy
	}
	return report, nil
}
