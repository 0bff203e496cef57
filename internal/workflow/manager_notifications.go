package workflow

import (
	"context"
	"errors"
	"time"

	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
)

func (m *Manager) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("daemon shutting down, notification skipped", logging.String("event", string(event)))
			return
		}
		m.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

func (m *Manager) onQueueStarted(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(m.logger, "queue stats unavailable for start notification; notification skipped",
				"queue_stats_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "start notification will not be sent"),
			)
		}
		return
	}
	m.mu.Lock()
	if m.queueActive {
		m.mu.Unlock()
		return
	}
	m.queueActive = true
	m.queueStart = m.now()
	m.queueProcessed = 0
	m.queueFailed = 0
	m.mu.Unlock()

	count := stats.Counts[queue.StatusPending] + stats.Counts[queue.StatusDownloading]
	m.publish(ctx, notifications.EventQueueStarted, notifications.Payload{"count": count})
}

func (m *Manager) recordOutcome(job *queue.Job, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.queueProcessed++
		copy := *job
		m.lastJob = &copy
	} else {
		m.queueFailed++
	}
}

// checkQueueCompletion publishes the queue-completed event once no job is
// pending or downloading.
func (m *Manager) checkQueueCompletion(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(m.logger, "queue stats unavailable for completion notification; notification skipped",
				"queue_stats_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "completion notification will not be sent"),
			)
		}
		return
	}
	if stats.Counts[queue.StatusPending]+stats.Counts[queue.StatusDownloading] > 0 {
		return
	}

	m.mu.Lock()
	if !m.queueActive {
		m.mu.Unlock()
		return
	}
	start := m.queueStart
	processed, failed := m.queueProcessed, m.queueFailed
	m.queueActive = false
	m.queueStart = time.Time{}
	m.mu.Unlock()

	duration := time.Duration(0)
	if !start.IsZero() {
		duration = m.now().Sub(start)
	}
	m.logger.Info("queue drained",
		logging.Int("downloaded", processed),
		logging.Int("failed", failed),
		logging.Duration("duration", duration),
		logging.String(logging.FieldEventType, "queue_completed"),
	)
	m.publish(ctx, notifications.EventQueueCompleted, notifications.Payload{
		"processed": processed,
		"failed":    failed,
		"duration":  duration,
	})
}
