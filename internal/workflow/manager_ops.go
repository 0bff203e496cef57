package workflow

import (
	"context"
	"fmt"
	"path/filepath"

	"bindery/internal/fileutil"
	"bindery/internal/logging"
	"bindery/internal/queue"
)

// RegisterUnits upserts catalog units so they can be enqueued.
func (m *Manager) RegisterUnits(ctx context.Context, units []queue.Unit) (int, error) {
	return m.store.RegisterUnits(ctx, units)
}

// Enqueue creates pending jobs for the given units and wakes the dispatcher.
func (m *Manager) Enqueue(ctx context.Context, unitIDs []string) (queue.EnqueueResult, error) {
	result, err := m.store.Enqueue(ctx, unitIDs)
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	logger := logging.WithContext(ctx, m.logger)
	logger.Info("units enqueued",
		logging.Int("enqueued", len(result.Enqueued)),
		logging.Int("skipped", len(result.Skipped)),
		logging.Int("unknown", len(result.Unknown)),
		logging.String(logging.FieldEventType, "enqueue"),
	)
	if len(result.Unknown) > 0 {
		logging.WarnWithContext(logger, "enqueue named unknown units",
			"enqueue_unknown_units",
			logging.Any("unit_ids", result.Unknown),
			logging.String(logging.FieldErrorHint, "register the units before enqueueing them"),
			logging.String(logging.FieldImpact, "no job created for those units"),
		)
	}
	if len(result.Enqueued) > 0 {
		m.signal()
	}
	return result, nil
}

// Cancel cancels a pending or downloading job together with its bundle and
// stops the in-flight download. Any other status yields an
// *queue.InvalidStateError and nothing changes.
func (m *Manager) Cancel(ctx context.Context, jobID int64) (queue.CancelResult, error) {
	members, err := m.store.BundleMembers(ctx, jobID)
	if err != nil {
		return queue.CancelResult{}, err
	}
	result, err := m.store.Cancel(ctx, jobID)
	if err != nil {
		return queue.CancelResult{}, err
	}
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	stopped := m.cancelTask(ids...)
	logging.WithContext(ctx, m.logger).Info("job cancelled",
		logging.Int64(logging.FieldJobID, jobID),
		logging.Int("bundle_size", result.BundleSize),
		logging.Bool("task_stopped", stopped),
		logging.String(logging.FieldEventType, "job_cancelled"),
	)
	m.checkQueueCompletion(ctx)
	return result, nil
}

// Retry returns an errored bundle to pending. retry_count is kept.
func (m *Manager) Retry(ctx context.Context, jobID int64) (*queue.Job, error) {
	count, err := m.store.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx, m.logger).Info("job retried",
		logging.Int64(logging.FieldJobID, jobID),
		logging.Int("jobs", count),
		logging.String(logging.FieldEventType, "job_retried"),
	)
	m.signal()
	return m.store.GetByID(ctx, jobID)
}

// DeleteFile removes the downloaded and converted files (plus metadata
// sidecars) of a bundle and clears the paths. The status is unchanged.
func (m *Manager) DeleteFile(ctx context.Context, jobID int64) (bool, error) {
	members, err := m.store.ClearFiles(ctx, jobID)
	if err != nil {
		return false, err
	}
	var paths []string
	for _, member := range members {
		if member.FilePath != "" {
			paths = append(paths, member.FilePath)
		}
		paths = append(paths, member.ConvertedPaths()...)
	}
	removed, err := fileutil.RemoveArtifacts(paths...)
	logger := logging.WithContext(ctx, m.logger)
	if err != nil {
		logging.WarnWithContext(logger, "some job files could not be removed",
			"file_delete_failed",
			logging.Int64(logging.FieldJobID, jobID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the files manually"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
		return false, fmt.Errorf("delete files of job %d: %w", jobID, err)
	}
	for _, path := range paths {
		fileutil.RemoveEmptyDir(filepath.Dir(path))
	}
	logger.Info("job files deleted",
		logging.Int64(logging.FieldJobID, jobID),
		logging.Int("removed", removed),
		logging.String(logging.FieldEventType, "files_deleted"),
	)
	return true, nil
}

// ResetStuck moves downloads without a heartbeat within the stale threshold
// to error and returns how many jobs changed.
func (m *Manager) ResetStuck(ctx context.Context) (int64, error) {
	return m.heartbeat.ReclaimStale(ctx, m.now())
}

// ClearQueue removes jobs in the given terminal statuses, or every
// cancelled, sent and errored job when none are given. Files still owned by
// the removed jobs are deleted with them.
func (m *Manager) ClearQueue(ctx context.Context, statuses ...queue.Status) (int64, error) {
	removed, err := m.store.ClearQueue(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	logger := logging.WithContext(ctx, m.logger)
	var paths []string
	for _, job := range removed {
		if job.FilePath != "" {
			paths = append(paths, job.FilePath)
		}
		paths = append(paths, job.ConvertedPaths()...)
	}
	files, err := fileutil.RemoveArtifacts(paths...)
	if err != nil {
		logging.WarnWithContext(logger, "files of cleared jobs could not be removed",
			"clear_files_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the files manually"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
	}
	for _, path := range paths {
		fileutil.RemoveEmptyDir(filepath.Dir(path))
	}
	logger.Info("queue cleared",
		logging.Int("removed", len(removed)),
		logging.Int("files_removed", files),
		logging.String(logging.FieldEventType, "queue_cleared"),
	)
	return int64(len(removed)), nil
}

// Stats returns job counts per status.
func (m *Manager) Stats(ctx context.Context) (queue.Stats, error) {
	return m.store.Stats(ctx)
}

// Snapshot returns a filtered page of jobs with their bundle sizes.
func (m *Manager) Snapshot(ctx context.Context, filter queue.ListFilter) (Snapshot, error) {
	jobs, total, err := m.store.List(ctx, filter)
	if err != nil {
		return Snapshot{}, err
	}
	sizes, err := m.store.BundleSizes(ctx, bundleKeys(jobs))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Jobs: jobs, BundleSizes: sizes, Total: total, Offset: filter.Offset, Limit: filter.Limit}, nil
}

// Describe returns a job and the size of its bundle.
func (m *Manager) Describe(ctx context.Context, jobID int64) (*queue.Job, int, error) {
	members, err := m.store.BundleMembers(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	return findJob(members, jobID), len(members), nil
}

func bundleKeys(jobs []*queue.Job) []string {
	seen := map[string]bool{}
	var keys []string
	for _, job := range jobs {
		if job.BundleKey != "" && !seen[job.BundleKey] {
			seen[job.BundleKey] = true
			keys = append(keys, job.BundleKey)
		}
	}
	return keys
}
