package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bindery/internal/download"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/services"
)

// fail records err on job's bundle. Members no longer in one of the from
// statuses (for example cancelled meanwhile) are left alone.
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, from []queue.Status, failErr error) {
	details := services.Details(failErr)
	message := strings.TrimSpace(failErr.Error())
	if message == "" {
		message = "download failed without error detail"
	}

	failure := queue.Failure{
		Kind:    details.Kind,
		Message: message,
		RetryAt: m.retryPolicy(failErr),
	}
	affected, err := m.store.Fail(ctx, job.ID, from, failure)
	if err != nil {
		m.setLastError(err)
		logger.Error("failed to persist job failure",
			logging.Error(err),
			logging.String(logging.FieldEventType, "failure_persist_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return
	}
	if affected == 0 {
		logger.Debug("failure ignored; bundle already left the failing status", logging.Error(failErr))
		return
	}

	current, _ := m.store.GetByID(ctx, job.ID)
	attrs := []logging.Attr{
		logging.String("resolved_status", string(queue.StatusError)),
		logging.String(logging.FieldErrorKind, details.Kind),
		logging.String(logging.FieldErrorOperation, details.Operation),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.Int64("jobs", affected),
		logging.Alert("job_failure"),
		logging.Error(failErr),
		logging.String(logging.FieldEventType, "job_failure"),
	}
	if current != nil {
		attrs = append(attrs, logging.Int("retry_count", current.RetryCount))
		if current.NextRetryAt != nil {
			attrs = append(attrs, logging.String("next_retry_at", current.NextRetryAt.Format(time.RFC3339)))
		}
	}
	logger.Error("job failed", logging.Args(attrs...)...)

	m.setLastError(failErr)
	m.setLastJob(current)
	m.recordOutcome(job, false)
	m.notifyError(ctx, fmt.Sprintf("%s (job #%d)", bundleTitle(job), job.ID), failErr)
	m.checkQueueCompletion(ctx)
}

// retryPolicy schedules automatic retries for transient download errors:
// the n-th failure is retried after backoff*2^(n-1) while n < max_retries.
// Resolver and other errors are never retried automatically.
func (m *Manager) retryPolicy(err error) func(int) *time.Time {
	var dlErr *download.DownloadError
	if !errors.As(err, &dlErr) {
		return nil
	}
	cfg := m.queueConfig()
	now := m.now()
	return func(retryCount int) *time.Time {
		return NextRetryAt(now, retryCount, cfg.MaxRetries, cfg.RetryBackoffDuration())
	}
}

// NextRetryAt returns when a bundle failed retryCount times should be
// retried, or nil when the retry cap is reached.
func NextRetryAt(now time.Time, retryCount, maxRetries int, backoff time.Duration) *time.Time {
	if retryCount < 1 || retryCount >= maxRetries {
		return nil
	}
	shift := min(retryCount-1, 20)
	at := now.Add(backoff * time.Duration(1<<shift))
	return &at
}

func (m *Manager) notifyError(ctx context.Context, label string, err error) {
	m.publish(ctx, notifications.EventError, notifications.Payload{
		"error":   err,
		"context": label,
	})
}
