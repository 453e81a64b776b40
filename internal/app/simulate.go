package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sdexindexer/internal/alerting"
)

// SimulateAlert pushes a synthetic notification through the configured
// channel so operators can verify delivery.
func (a *App) SimulateAlert(ctx context.Context, kind string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting not enabled")
	}

	now := time.Now().UTC()
	var note alerting.Notification
	switch alerting.Kind(kind) {
	case alerting.KindArchivalFailure:
		note = alerting.ArchivalFailure(now, "simulated", 0, 2, 2000, errors.New("simulated failure"))
	case alerting.KindHealthDegraded:
		note = alerting.HealthTransition(now, "healthy", "unhealthy", map[string]string{"database": "unhealthy"})
	case alerting.KindHealthRecovered:
		note = alerting.HealthTransition(now, "unhealthy", "healthy", map[string]string{"database": "healthy"})
	default:
		return fmt.Errorf("unknown notification kind %q", kind)
	}

	return a.newNotifier().Notify(ctx, note)
}
