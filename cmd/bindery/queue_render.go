package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"bindery/internal/api"
)

var (
	queueListHeaders = []string{"ID", "Title", "Status", "Progress", "Size", "Bundle", "Updated"}
	queueListAligns  = []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}
)

func buildQueueListRows(items []api.JobView) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.FormatInt(item.ID, 10),
			item.DisplayName(),
			formatStatusLabel(item),
			item.ProgressLabel(),
			sizeLabel(item),
			item.BundleLabel(),
			relativeTime(item.UpdatedAt),
		})
	}
	return rows
}

// formatStatusLabel appends the retry count to errored jobs.
func formatStatusLabel(item api.JobView) string {
	if item.Status == "error" && item.RetryCount > 0 {
		return fmt.Sprintf("error (retries: %d)", item.RetryCount)
	}
	return item.Status
}

func sizeLabel(item api.JobView) string {
	switch {
	case item.ExpectedBytes > 0 && item.DownloadedBytes < item.ExpectedBytes:
		return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(item.DownloadedBytes)), humanize.IBytes(uint64(item.ExpectedBytes)))
	case item.DownloadedBytes > 0:
		return humanize.IBytes(uint64(item.DownloadedBytes))
	case item.ExpectedBytes > 0:
		return humanize.IBytes(uint64(item.ExpectedBytes))
	default:
		return "-"
	}
}

func relativeTime(value string) string {
	t := api.ParseQueueTime(value)
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func absoluteTime(value string) string {
	t := api.ParseQueueTime(value)
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.Time(t))
}

func jobDetailPairs(job *api.JobView) [][2]string {
	pairs := [][2]string{
		{"ID", strconv.FormatInt(job.ID, 10)},
		{"Title", job.DisplayName()},
		{"Unit", job.UnitID},
		{"Work", job.WorkID},
		{"Type", job.ContentType},
		{"Status", formatStatusLabel(*job)},
		{"Progress", job.ProgressLabel()},
		{"Size", sizeLabel(*job)},
		{"Host", job.Host},
		{"Source", job.SourceURL},
		{"Bundle", job.BundleLabel()},
		{"Priority", strconv.Itoa(job.Priority)},
	}
	if job.ErrorMessage != "" {
		pairs = append(pairs,
			[2]string{"Error kind", job.ErrorKind},
			[2]string{"Error", job.ErrorMessage},
			[2]string{"Next retry", absoluteTime(job.NextRetryAt)},
		)
	}
	pairs = append(pairs,
		[2]string{"File", job.FilePath},
		[2]string{"Converted", job.ConvertedPath},
		[2]string{"Created", absoluteTime(job.CreatedAt)},
		[2]string{"Started", absoluteTime(job.StartedAt)},
		[2]string{"Completed", absoluteTime(job.CompletedAt)},
		[2]string{"Sent", absoluteTime(job.SentAt)},
		[2]string{"Updated", absoluteTime(job.UpdatedAt)},
	)
	return pairs
}
