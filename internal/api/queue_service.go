package api

import (
	"context"

	"bindery/internal/queue"
	"bindery/internal/workflow"
)

// QueueReader abstracts the read operations needed for API queries.
// *workflow.Manager satisfies it.
type QueueReader interface {
	Snapshot(ctx context.Context, filter queue.ListFilter) (workflow.Snapshot, error)
	Describe(ctx context.Context, id int64) (*queue.Job, int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// QueueService exposes read-only queue operations returning API DTOs.
type QueueService struct {
	reader QueueReader
}

// NewQueueService constructs a QueueService around the provided reader.
func NewQueueService(reader QueueReader) *QueueService {
	if reader == nil {
		return nil
	}
	return &QueueService{reader: reader}
}

// List returns a page of jobs filtered by status.
func (s *QueueService) List(ctx context.Context, filter queue.ListFilter) (QueueSnapshot, error) {
	if s == nil || s.reader == nil {
		return QueueSnapshot{Items: []JobView{}}, nil
	}
	snapshot, err := s.reader.Snapshot(ctx, filter)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return FromSnapshot(snapshot), nil
}

// Stats returns queue counts keyed by status string.
func (s *QueueService) Stats(ctx context.Context) (QueueStats, error) {
	if s == nil || s.reader == nil {
		return FromStats(queue.Stats{}), nil
	}
	stats, err := s.reader.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return FromStats(stats), nil
}

// Describe fetches a single job. Missing jobs surface queue.ErrNotFound.
func (s *QueueService) Describe(ctx context.Context, id int64) (*JobView, error) {
	if s == nil || s.reader == nil {
		return nil, queue.ErrNotFound
	}
	job, bundleSize, err := s.reader.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, queue.ErrNotFound
	}
	view := FromJob(job, bundleSize)
	return &view, nil
}
