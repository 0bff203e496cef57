package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const jobColumns = "id, unit_id, work_id, work_title, unit_number, content_type, status, source_url, host, backup_urls, direct_url, file_name, expected_bytes, part_index, total_parts, bundle_key, progress, downloaded_bytes, retry_count, error_kind, error_message, next_retry_at, file_path, converted_path, priority, created_at, updated_at, started_at, completed_at, sent_at, last_heartbeat"

const unitColumns = "id, work_id, work_title, number, title, content_type, source_url, host_hint, backup_urls, priority, created_at, updated_at"

// bundleScope matches a job and, when it has a bundle key, every sibling.
// It takes the job id twice.
const bundleScope = "(id = ? OR (bundle_key IS NOT NULL AND bundle_key = (SELECT bundle_key FROM jobs WHERE id = ?)))"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job           Job
		contentType   string
		status        string
		host          sql.NullString
		backupURLs    sql.NullString
		directURL     sql.NullString
		fileName      sql.NullString
		bundleKey     sql.NullString
		errorKind     sql.NullString
		errorMessage  sql.NullString
		nextRetryRaw  sql.NullString
		filePath      sql.NullString
		convertedPath sql.NullString
		createdRaw    string
		updatedRaw    string
		startedRaw    sql.NullString
		completedRaw  sql.NullString
		sentRaw       sql.NullString
		heartbeatRaw  sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.UnitID,
		&job.WorkID,
		&job.WorkTitle,
		&job.UnitNumber,
		&contentType,
		&status,
		&job.SourceURL,
		&host,
		&backupURLs,
		&directURL,
		&fileName,
		&job.ExpectedBytes,
		&job.PartIndex,
		&job.TotalParts,
		&bundleKey,
		&job.Progress,
		&job.DownloadedBytes,
		&job.RetryCount,
		&errorKind,
		&errorMessage,
		&nextRetryRaw,
		&filePath,
		&convertedPath,
		&job.Priority,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
		&sentRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job.ContentType = ContentType(contentType)
	job.Status = Status(status)
	job.Host = host.String
	job.BackupURLs = decodeList(backupURLs.String)
	job.DirectURL = directURL.String
	job.FileName = fileName.String
	job.BundleKey = bundleKey.String
	job.ErrorKind = errorKind.String
	job.ErrorMessage = errorMessage.String
	job.FilePath = filePath.String
	job.ConvertedPath = convertedPath.String
	job.NextRetryAt = parseNullableTime(nextRetryRaw)
	job.StartedAt = parseNullableTime(startedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	job.SentAt = parseNullableTime(sentRaw)
	job.LastHeartbeat = parseNullableTime(heartbeatRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return &job, nil
}

func scanUnit(scanner rowScanner) (*Unit, error) {
	var (
		unit        Unit
		contentType string
		hostHint    sql.NullString
		backupURLs  sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&unit.ID,
		&unit.WorkID,
		&unit.WorkTitle,
		&unit.Number,
		&unit.Title,
		&contentType,
		&unit.SourceURL,
		&hostHint,
		&backupURLs,
		&unit.Priority,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	unit.ContentType = ContentType(contentType)
	unit.HostHint = hostHint.String
	unit.BackupURLs = decodeList(backupURLs.String)
	if created, err := parseTimeString(createdRaw); err == nil {
		unit.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		unit.UpdatedAt = updated
	}
	return &unit, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func encodeList(values []string) any {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}

func now() time.Time {
	return time.Now().UTC()
}
