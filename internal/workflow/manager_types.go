package workflow

import (
	"context"
	"errors"
	"time"

	"bindery/internal/download"
	"bindery/internal/hosts"
	"bindery/internal/queue"
)

var (
	// ErrNotReady is returned by Send when a bundle member has no converted file.
	ErrNotReady = errors.New("job has no converted file")
	// ErrUserCancelled is the cancellation cause of a task stopped by Cancel.
	ErrUserCancelled = errors.New("cancelled by user")
	// ErrDeliveryDisabled is returned by Send when no Deliverer is configured.
	ErrDeliveryDisabled = errors.New("delivery is not configured")
)

// SourceResolver turns a job's source page into download descriptors.
// *hosts.Registry satisfies it.
type SourceResolver interface {
	Resolve(ctx context.Context, primary hosts.Source, backups ...string) (hosts.Resolution, error)
}

// Downloader fetches every part of a bundle. *download.Executor satisfies it.
type Downloader interface {
	ExecuteAll(ctx context.Context, descriptors []hosts.Descriptor, dests []string, progress download.ProgressFunc) (download.BundleOutcome, error)
}

// Enqueuer is the queue surface used by the scheduler boundary.
type Enqueuer interface {
	RegisterUnits(ctx context.Context, units []queue.Unit) (int, error)
	Enqueue(ctx context.Context, unitIDs []string) (queue.EnqueueResult, error)
}

// ConversionRequest describes one downloaded file to convert.
type ConversionRequest struct {
	JobID       int64
	BundleKey   string
	FilePath    string
	WorkTitle   string
	UnitNumber  float64
	ContentType queue.ContentType
}

// ConversionCallbacks receives the converter's result for a job.
type ConversionCallbacks interface {
	MarkConverted(ctx context.Context, jobID int64, convertedPath string) error
	MarkConversionFailed(ctx context.Context, jobID int64, reason string) error
}

// Converter converts downloaded files. Convert must return quickly and
// report the outcome through the callbacks exactly once.
type Converter interface {
	Convert(ctx context.Context, req ConversionRequest, callbacks ConversionCallbacks) error
}

// DeliveryRequest describes the converted files of a bundle.
type DeliveryRequest struct {
	JobID     int64
	BundleKey string
	Files     []string
	Title     string
}

// DeliveryCallbacks receives the deliverer's result for a job.
type DeliveryCallbacks interface {
	MarkSent(ctx context.Context, jobID int64, sentAt time.Time) error
	MarkSendFailed(ctx context.Context, jobID int64, reason string) error
}

// Deliverer sends converted files to the reader device. Deliver must return
// quickly and report the outcome through the callbacks exactly once.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest, callbacks DeliveryCallbacks) error
}

// HealthChecker is implemented by collaborators that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) StageHealth
}

// Snapshot is a page of jobs.
type Snapshot struct {
	Jobs        []*queue.Job
	BundleSizes map[string]int
	Total       int
	Offset      int
	Limit       int
}

// BundleSize returns the number of jobs sharing job's bundle.
func (s Snapshot) BundleSize(job *queue.Job) int {
	if job == nil || job.BundleKey == "" {
		return 1
	}
	if n := s.BundleSizes[job.BundleKey]; n > 0 {
		return n
	}
	return 1
}
