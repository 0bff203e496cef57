package api

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"bindery/internal/deps"
	"bindery/internal/queue"
	"bindery/internal/workflow"
)

// FromJob converts a job to its API representation.
func FromJob(job *queue.Job, bundleSize int) JobView {
	if job == nil {
		return JobView{}
	}
	if bundleSize < 1 {
		bundleSize = 1
	}
	return JobView{
		ID:              job.ID,
		UnitID:          job.UnitID,
		WorkID:          job.WorkID,
		WorkTitle:       job.WorkTitle,
		UnitNumber:      job.UnitNumber,
		ContentType:     string(job.ContentType),
		Status:          string(job.Status),
		Progress:        job.Progress,
		DownloadedBytes: job.DownloadedBytes,
		ExpectedBytes:   job.ExpectedBytes,
		Host:            job.Host,
		SourceURL:       job.SourceURL,
		PartIndex:       job.PartIndex,
		TotalParts:      job.TotalParts,
		BundleKey:       job.BundleKey,
		BundleSize:      bundleSize,
		RetryCount:      job.RetryCount,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		NextRetryAt:     formatTimePtr(job.NextRetryAt),
		FilePath:        job.FilePath,
		ConvertedPath:   job.ConvertedPath,
		Priority:        job.Priority,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		StartedAt:       formatTimePtr(job.StartedAt),
		CompletedAt:     formatTimePtr(job.CompletedAt),
		SentAt:          formatTimePtr(job.SentAt),
	}
}

// FromSnapshot converts a page of jobs.
func FromSnapshot(snapshot workflow.Snapshot) QueueSnapshot {
	items := make([]JobView, 0, len(snapshot.Jobs))
	for _, job := range snapshot.Jobs {
		items = append(items, FromJob(job, snapshot.BundleSize(job)))
	}
	return QueueSnapshot{
		Items:  items,
		Total:  snapshot.Total,
		Offset: snapshot.Offset,
		Limit:  snapshot.Limit,
	}
}

// FromStats produces a string-keyed representation of queue stats. Every
// known status is present so clients can render zero counts.
func FromStats(stats queue.Stats) QueueStats {
	counts := make(map[string]int, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		counts[string(status)] = stats.Counts[status]
	}
	return QueueStats{Counts: counts, Total: stats.Total}
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	names := make([]string, 0, len(summary.StageHealth))
	for name := range summary.StageHealth {
		names = append(names, name)
	}
	slices.Sort(names)

	health := make([]StageHealth, 0, len(names))
	for _, name := range names {
		h := summary.StageHealth[name]
		health = append(health, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}

	wf := WorkflowStatus{
		Running:     summary.Running,
		Inflight:    summary.Inflight,
		QueueStats:  FromStats(summary.QueueStats),
		LastError:   summary.LastError,
		StageHealth: health,
	}
	if summary.LastJob != nil {
		last := FromJob(summary.LastJob, 1)
		wf.LastJob = &last
	}
	return wf
}

// FromDependencies converts binary checks.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus{
			Name:        s.Name,
			Command:     s.Command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}

// FromEnqueueResult converts an enqueue outcome. Nil slices become empty
// so clients always see arrays.
func FromEnqueueResult(result queue.EnqueueResult) EnqueueResponse {
	resp := EnqueueResponse{
		EnqueuedCount: len(result.Enqueued),
		JobIDs:        result.Enqueued,
		Skipped:       result.Skipped,
		Unknown:       result.Unknown,
	}
	if resp.JobIDs == nil {
		resp.JobIDs = []int64{}
	}
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	if resp.Unknown == nil {
		resp.Unknown = []string{}
	}
	return resp
}

// ParseStatuses validates status names from a query string or request body.
// Comma-separated values are accepted.
func ParseStatuses(values []string) ([]queue.Status, error) {
	var out []queue.Status
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", strings.TrimSpace(part))
			}
			if !slices.Contains(out, status) {
				out = append(out, status)
			}
		}
	}
	return out, nil
}

// ToUnit validates the input and converts it to a catalog unit.
func (u UnitInput) ToUnit() (queue.Unit, error) {
	id := strings.TrimSpace(u.ID)
	if id == "" {
		return queue.Unit{}, fmt.Errorf("unit id is required")
	}
	source := strings.TrimSpace(u.SourceURL)
	if source == "" {
		return queue.Unit{}, fmt.Errorf("unit %s: source_url is required", id)
	}
	contentType, ok := queue.ParseContentType(u.ContentType)
	if !ok {
		return queue.Unit{}, fmt.Errorf("unit %s: unknown content_type %q", id, u.ContentType)
	}
	if u.Priority < 0 || u.Priority > 10 {
		return queue.Unit{}, fmt.Errorf("unit %s: priority must be between 0 and 10", id)
	}
	title := strings.TrimSpace(u.WorkTitle)
	if title == "" {
		title = id
	}
	return queue.Unit{
		ID:          id,
		WorkID:      strings.TrimSpace(u.WorkID),
		WorkTitle:   title,
		Number:      u.Number,
		Title:       strings.TrimSpace(u.Title),
		ContentType: contentType,
		SourceURL:   source,
		HostHint:    strings.TrimSpace(u.HostHint),
		BackupURLs:  u.BackupURLs,
		Priority:    u.Priority,
	}, nil
}

// ToUnits converts every input, stopping at the first invalid one.
func ToUnits(inputs []UnitInput) ([]queue.Unit, error) {
	units := make([]queue.Unit, 0, len(inputs))
	for _, input := range inputs {
		unit, err := input.ToUnit()
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
