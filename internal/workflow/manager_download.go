package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"

	"bindery/internal/download"
	"bindery/internal/fileutil"
	"bindery/internal/hosts"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/textutil"
)

func (m *Manager) runTask(t *task, job *queue.Job) {
	defer m.wg.Done()
	defer m.release(t)

	ctx := services.WithJobID(t.ctx, job.ID)
	ctx = services.WithStage(ctx, "download")
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("download task panicked: %v", r)
			logger.Error("download task panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.Alert("task_panic"),
				logging.String(logging.FieldEventType, "task_panic"),
			)
			m.fail(context.WithoutCancel(ctx), logger, job, []queue.Status{queue.StatusPending, queue.StatusDownloading}, err)
		}
	}()

	m.download(ctx, t, logger, job)
}

func (m *Manager) download(ctx context.Context, t *task, logger *slog.Logger, job *queue.Job) {
	src := hosts.Source{URL: job.SourceURL, HostHint: job.Host}
	resolution, err := m.resolver.Resolve(ctx, src, job.BackupURLs...)
	if err != nil {
		if m.interrupted(ctx, logger, job, "resolution") {
			return
		}
		m.fail(context.WithoutCancel(ctx), logger, job, []queue.Status{queue.StatusPending}, err)
		return
	}

	members, err := m.store.BeginDownload(context.WithoutCancel(ctx), job.ID, resolution.Host, partsFrom(resolution.Descriptors))
	if err != nil {
		if errors.Is(err, queue.ErrInvalidState) {
			logger.Info("job left pending during resolution; dispatch dropped",
				logging.Error(err),
				logging.String(logging.FieldEventType, "dispatch_dropped"),
			)
			return
		}
		m.fail(context.WithoutCancel(ctx), logger, job, []queue.Status{queue.StatusPending}, err)
		return
	}
	m.track(t, members)
	sort.SliceStable(members, func(i, j int) bool { return members[i].PartIndex < members[j].PartIndex })

	primary := findJob(members, job.ID)
	ctx = services.WithBundleKey(ctx, primary.BundleKey)
	logger = logging.WithContext(ctx, m.logger)

	descriptors := make([]hosts.Descriptor, len(members))
	dests := make([]string, len(members))
	for i, member := range members {
		descriptors[i] = descriptorFor(member)
		dests[i] = download.Destination(m.downloadDir, download.Target{
			JobID:       primary.ID,
			WorkTitle:   member.WorkTitle,
			ContentType: string(member.ContentType),
			Number:      member.UnitNumber,
		}, descriptors[i])
	}
	logger.Info("download started",
		logging.String("host", resolution.Host),
		logging.Int("parts", len(members)),
		logging.String("title", bundleTitle(primary)),
		logging.String(logging.FieldEventType, "download_start"),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go m.heartbeat.Run(hbCtx, job.ID)
	outcome, err := m.downloader.ExecuteAll(ctx, descriptors, dests, m.progressRecorder(ctx, logger, members))
	stopHeartbeat()

	switch {
	case err != nil:
		if m.interrupted(ctx, logger, job, "download") {
			return
		}
		m.fail(context.WithoutCancel(ctx), logger, primary, []queue.Status{queue.StatusDownloading}, err)
	case outcome.Cancelled:
		m.interrupted(ctx, logger, job, "download")
	default:
		m.completeDownload(context.WithoutCancel(ctx), logger, primary, members, outcome)
	}
}

// interrupted reports whether the task context ended, logging why.
func (m *Manager) interrupted(ctx context.Context, logger *slog.Logger, job *queue.Job, phase string) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(context.Cause(ctx), ErrUserCancelled) {
		logger.Info("download cancelled",
			logging.String("phase", phase),
			logging.String(logging.FieldEventType, "download_cancelled"),
		)
	} else {
		logger.Info("download interrupted by shutdown",
			logging.String("phase", phase),
			logging.String(logging.FieldEventType, "download_interrupted"),
		)
	}
	return true
}

func (m *Manager) completeDownload(ctx context.Context, logger *slog.Logger, primary *queue.Job, members []*queue.Job, outcome download.BundleOutcome) {
	files := make(map[int64]queue.DownloadedFile, len(members))
	paths := make([]string, 0, len(members))
	for i, member := range members {
		files[member.ID] = queue.DownloadedFile{Path: outcome.Files[i].Path, Bytes: outcome.Files[i].Bytes}
		paths = append(paths, outcome.Files[i].Path)
	}

	ok, err := m.store.CompleteDownload(ctx, primary.ID, files)
	if err == nil && ok {
		logger.Info("download completed",
			logging.Int("parts", len(members)),
			logging.Bytes("bytes", outcome.Bytes),
			logging.String("dir", filepath.Dir(paths[0])),
			logging.String(logging.FieldEventType, "download_complete"),
		)
		m.recordOutcome(primary, true)
		m.publish(ctx, notifications.EventDownloadCompleted, notifications.Payload{
			"title": bundleTitle(primary),
			"files": len(members),
			"bytes": outcome.Bytes,
		})
		m.triggerConversion(ctx, primary.ID)
		m.checkQueueCompletion(ctx)
		return
	}

	// The bundle left downloading (cancel or stuck reset won the race), so
	// the files belong to nobody.
	if _, rmErr := fileutil.RemoveArtifacts(paths...); rmErr != nil {
		logger.Warn("orphaned download files not removed", logging.Error(rmErr))
	}
	if err != nil {
		m.setLastError(err)
		logger.Error("failed to record completed download",
			logging.Error(err),
			logging.String(logging.FieldEventType, "download_commit_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return
	}
	logger.Info("download finished after the job was cancelled; files discarded",
		logging.String(logging.FieldEventType, "download_discarded"),
	)
}

func (m *Manager) progressRecorder(ctx context.Context, logger *slog.Logger, members []*queue.Job) download.ProgressFunc {
	sampler := logging.NewProgressSampler(10)
	return func(written, total int64) {
		percent := -1
		if total > 0 {
			percent = int(written * 100 / total)
		}
		for _, member := range members {
			if err := m.store.UpdateProgress(ctx, member.ID, max(percent, 0), written); err != nil && ctx.Err() == nil {
				logger.Debug("progress update failed", logging.Error(err))
			}
		}
		if sampler.ShouldLog(float64(percent), "") {
			logger.Debug("download progress",
				logging.Int(logging.FieldProgressPercent, percent),
				logging.Bytes("written", written),
				logging.Bytes("total", total),
			)
		}
	}
}

func partsFrom(descriptors []hosts.Descriptor) []queue.Part {
	parts := make([]queue.Part, len(descriptors))
	for i, d := range descriptors {
		parts[i] = queue.Part{
			UnitID:        d.UnitID,
			DirectURL:     d.DirectURL,
			FileName:      d.FileName,
			ExpectedBytes: d.SizeBytes,
			PartIndex:     d.PartIndex,
			TotalParts:    d.TotalParts,
		}
	}
	return parts
}

func descriptorFor(job *queue.Job) hosts.Descriptor {
	return hosts.Descriptor{
		DirectURL:  job.DirectURL,
		SizeBytes:  job.ExpectedBytes,
		PartIndex:  job.PartIndex,
		TotalParts: job.TotalParts,
		FileName:   job.FileName,
		UnitID:     job.UnitID,
	}
}

func findJob(members []*queue.Job, id int64) *queue.Job {
	for _, member := range members {
		if member.ID == id {
			return member
		}
	}
	return members[0]
}

func bundleTitle(job *queue.Job) string {
	return textutil.VolumeBaseName(job.WorkTitle, string(job.ContentType), job.UnitNumber)
}
