package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bindery/internal/download"
	"bindery/internal/logging"
)

// Start recovers state left by a previous process and begins dispatching.
// Nothing can be downloading or converting when the daemon starts, so every
// downloading job is reset to error, converting bundles go back to
// downloaded and leftover partial files are removed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	m.mu.Unlock()

	if err := m.recoverInterrupted(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.baseCtx = runCtx
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Stop cancels in-flight tasks and waits for them to return. Jobs that were
// downloading stay downloading and are reset at the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.baseCtx = context.Background()
	m.mu.Unlock()
}

func (m *Manager) recoverInterrupted(ctx context.Context) error {
	reset, err := m.store.ResetStuck(ctx, m.now())
	if err != nil {
		return fmt.Errorf("reset interrupted downloads: %w", err)
	}
	requeued, err := m.store.RequeueConverting(ctx)
	if err != nil {
		return fmt.Errorf("requeue interrupted conversions: %w", err)
	}
	removed, err := download.RemoveStale(m.downloadDir)
	if err != nil {
		logging.WarnWithContext(m.logger, "stale partial files not removed",
			"stale_cleanup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check download_dir permissions"),
			logging.String(logging.FieldImpact, "leftover .part files use disk space"),
		)
	}
	if reset > 0 || requeued > 0 || removed > 0 {
		m.logger.Info("recovered interrupted work",
			logging.Int64("downloads_reset", reset),
			logging.Int64("conversions_requeued", requeued),
			logging.Int("partials_removed", removed),
			logging.String(logging.FieldEventType, "startup_recovery"),
		)
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.maintain(ctx)
	lastMaintenance := m.now()
	for {
		if ctx.Err() != nil {
			return
		}
		if m.now().Sub(lastMaintenance) >= m.queueConfig().PollIntervalDuration() {
			m.maintain(ctx)
			lastMaintenance = m.now()
		}
		m.dispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(m.pollInterval()):
		}
	}
}

func (m *Manager) pollInterval() time.Duration {
	if d := m.queueConfig().PollIntervalDuration(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// maintain requeues due retries, resets stale downloads and hands
// downloaded bundles to the converter.
func (m *Manager) maintain(ctx context.Context) {
	now := m.now()
	requeued, err := m.store.RequeueDueRetries(ctx, now)
	if err != nil {
		m.logMaintenanceError(ctx, "requeue due retries failed", err)
	} else if requeued > 0 {
		m.logger.Info("automatic retries due",
			logging.Int64("count", requeued),
			logging.String(logging.FieldEventType, "retry_requeued"),
		)
	}

	if _, err := m.heartbeat.ReclaimStale(ctx, now); err != nil {
		m.logMaintenanceError(ctx, "stale download reset failed", err)
	}

	m.triggerPendingConversions(ctx)
}

func (m *Manager) logMaintenanceError(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		return
	}
	m.setLastError(err)
	logging.WarnWithContext(m.logger, msg, "queue_maintenance_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
		logging.String(logging.FieldImpact, "retry and stuck detection delayed until next pass"),
	)
}

// dispatch claims pending jobs up to the free slot count and starts a task
// for each.
func (m *Manager) dispatch(ctx context.Context) {
	limit := max(m.queueConfig().MaxConcurrent, 1)

	m.mu.Lock()
	free := limit - len(m.inflight)
	exclude := m.claimedLocked()
	m.mu.Unlock()
	if free <= 0 {
		return
	}

	jobs, err := m.store.NextPending(ctx, exclude, free)
	if err != nil {
		if ctx.Err() == nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch pending jobs",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		return
	}
	if len(jobs) == 0 {
		return
	}
	m.onQueueStarted(ctx)

	for _, job := range jobs {
		t := m.claim(ctx, job.ID)
		if t == nil {
			continue
		}
		m.wg.Add(1)
		go m.runTask(t, job)
	}
}
