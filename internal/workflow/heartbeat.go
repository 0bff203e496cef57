package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/queue"
)

// HeartbeatMonitor writes heartbeats for active downloads and resets
// downloads whose heartbeat went stale.
type HeartbeatMonitor struct {
	store  *queue.Store
	logger *slog.Logger
	config func() config.Queue
}

// NewHeartbeatMonitor creates a new monitor reading its interval and
// threshold from cfg on every use.
func NewHeartbeatMonitor(store *queue.Store, logger *slog.Logger, cfg func() config.Queue) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:  store,
		logger: logging.NewComponentLogger(logger, "workflow-heartbeat"),
		config: cfg,
	}
}

// ReclaimStale moves downloads without a heartbeat since now minus the stale
// threshold to error.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	threshold := h.config().StaleThresholdDuration()
	if threshold <= 0 {
		return 0, nil
	}
	reclaimed, err := h.store.ResetStuck(ctx, now.Add(-threshold))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		logging.WarnWithContext(h.logger, "reset stuck downloads",
			"stuck_reset",
			logging.Int64("count", reclaimed),
			logging.Alert("stuck_download"),
			logging.String(logging.FieldErrorHint, "retry the affected jobs"),
			logging.String(logging.FieldImpact, "jobs moved to error"),
		)
	}
	return reclaimed, nil
}

// Run refreshes the heartbeat of jobID's bundle until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context, jobID int64) {
	interval := h.config().HeartbeatIntervalDuration()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.Heartbeat(ctx, jobID); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Debug("heartbeat stopped")
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
