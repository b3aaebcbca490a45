package janitor

import (
	"context"
	"time"

	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// RunSweeper runs the periodic batch-reclamation loop until ctx is
// cancelled, grounded on the same ticker/select shape the escalation engine
// uses for its poll loop.
func (j *Janitor) RunSweeper(ctx context.Context) {
	j.logger.Info("sweeper started", "interval_sec", j.cfg.MaintenanceIntervalSec)

	ticker := time.NewTicker(time.Duration(j.cfg.MaintenanceIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

// sweepOnce performs one pass of spec §4.9's four sweeper steps. Each
// container is reclaimed independently so one failure never blocks the rest
// of the batch. A failed item is picked up again on the next tick at the
// same cadence; there is no backoff between retries. Past
// MaxConsecutiveFailures, failed passes page whoever is watching Slack.
func (j *Janitor) sweepOnce(ctx context.Context) {
	expired, err := j.store.ListExpiredRunning(ctx, time.Now().Unix(), j.cfg.MaintenanceBatchSize)
	if err != nil {
		j.recordSweepFailure(ctx, err)
		j.logger.Error("listing expired containers", "error", err)
		return
	}

	reclaimed := 0
	for _, c := range expired {
		itemCtx, cancel := context.WithTimeout(ctx, j.cfg.ReclaimTimeout)
		err := j.reclaim(itemCtx, c)
		cancel()
		if err != nil {
			j.logger.Error("sweeper reclaiming container", "container_id", c.ID, "phase", "reclaim", "error", err)
			telemetry.SweepFailuresTotal.Inc()
			continue
		}
		j.Cancel(c.ID) // drop any pending monitor wake-up for the container we just reclaimed
		reclaimed++
	}

	portsSwept, err := j.ports.Sweep(ctx)
	if err != nil {
		j.logger.Error("sweeping stale port reservations", "error", err)
		telemetry.SweepFailuresTotal.Inc()
	}

	cutoff := time.Now().Unix() - j.cfg.IPRequestRetentionSec
	purged, err := j.store.PurgeIPRequestsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("purging stale ip request rows", "error", err)
		telemetry.SweepFailuresTotal.Inc()
	}

	captchaPurged := 0
	if j.captcha != nil {
		captchaPurged = j.captcha.Sweep()
	}

	if reclaimed > 0 || portsSwept > 0 || purged > 0 {
		j.logger.Info("sweep pass complete",
			"containers_reclaimed", reclaimed, "ports_released", portsSwept,
			"ip_requests_purged", purged, "captchas_purged", captchaPurged)
		j.events.Publish(ctx, eventbus.Event{Type: eventbus.EventSwept, Timestamp: time.Now().Unix()})
	}

	if reclaimed < len(expired) {
		j.recordSweepFailure(ctx, nil)
	} else {
		j.resetSweepFailures()
	}
}

func (j *Janitor) recordSweepFailure(ctx context.Context, cause error) {
	j.failureMu.Lock()
	j.consecutiveFailures++
	n := j.consecutiveFailures
	j.failureMu.Unlock()

	if j.cfg.MaxConsecutiveFailures > 0 && n >= j.cfg.MaxConsecutiveFailures && j.notifier != nil {
		j.notifier.SweepFailure(ctx, n, cause)
	}
}

func (j *Janitor) resetSweepFailures() {
	j.failureMu.Lock()
	j.consecutiveFailures = 0
	j.failureMu.Unlock()
}
