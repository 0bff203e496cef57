package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// errLostRace aborts a transaction whose conditional update matched fewer
// rows than expected because another transition got there first.
var errLostRace = errors.New("job status changed concurrently")

// DownloadedFile is the result of one completed part.
type DownloadedFile struct {
	Path  string
	Bytes int64
}

// BeginDownload moves a pending job to downloading and assigns it the
// resolved parts. Extra parts become siblings sharing a fresh bundle key; a
// part naming another unit links that unit's pending job into the bundle
// instead of creating a duplicate. A job that was bundled before (an earlier
// attempt) reuses its pending siblings by part index.
func (s *Store) BeginDownload(ctx context.Context, jobID int64, host string, parts []Part) ([]*Job, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("begin download for job %d: no parts", jobID)
	}
	var members []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusPending {
			return invalidState(job, "dispatch")
		}

		existing := map[int]*Job{}
		if job.BundleKey != "" {
			siblings, err := bundleMembers(ctx, tx, jobID)
			if err != nil {
				return err
			}
			for _, sibling := range siblings {
				if sibling.Status == StatusPending && sibling.ID != job.ID {
					existing[sibling.PartIndex] = sibling
				}
			}
		}

		bundleKey := job.BundleKey
		if bundleKey == "" && len(parts) > 1 {
			bundleKey = uuid.NewString()
		}

		ts := formatTime(now())
		used := map[int64]bool{}
		primaryAssigned := false
		for _, part := range parts {
			var targetID int64
			switch {
			case part.UnitID != "" && part.UnitID != job.UnitID:
				targetID, err = linkOrCreateForUnit(ctx, tx, job, part.UnitID, bundleKey, used)
				if err != nil {
					return err
				}
			case existing[part.PartIndex] != nil && !used[existing[part.PartIndex].ID]:
				targetID = existing[part.PartIndex].ID
			case !primaryAssigned:
				targetID = job.ID
				primaryAssigned = true
			default:
				targetID, err = insertSibling(ctx, tx, job, job.UnitID)
				if err != nil {
					return err
				}
			}
			used[targetID] = true

			res, err := tx.ExecContext(ctx, `UPDATE jobs SET
                    status = ?, host = ?, direct_url = ?, file_name = ?, expected_bytes = ?,
                    part_index = ?, total_parts = ?, bundle_key = ?, progress = 0, downloaded_bytes = 0,
                    error_kind = NULL, error_message = NULL, next_retry_at = NULL,
                    started_at = ?, completed_at = NULL, last_heartbeat = ?, updated_at = ?
                WHERE id = ? AND status = ?`,
				string(StatusDownloading), nullableString(host), part.DirectURL, nullableString(part.FileName), part.ExpectedBytes,
				part.PartIndex, max(part.TotalParts, 1), nullableString(bundleKey),
				ts, ts, ts, targetID, string(StatusPending))
			if err != nil {
				return fmt.Errorf("start job %d: %w", targetID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return errLostRace
			}
		}
		if !primaryAssigned && !used[job.ID] {
			return fmt.Errorf("begin download for job %d: resolution returned no part for unit %s", jobID, job.UnitID)
		}

		for _, leftover := range existing {
			if used[leftover.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, bundle_key = NULL,
                    error_message = 'dropped from bundle after re-resolution', completed_at = ?, updated_at = ?
                WHERE id = ? AND status = ?`,
				string(StatusCancelled), ts, ts, leftover.ID, string(StatusPending)); err != nil {
				return fmt.Errorf("drop stale sibling %d: %w", leftover.ID, err)
			}
		}

		members, err = bundleMembers(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func linkOrCreateForUnit(ctx context.Context, tx *sql.Tx, primary *Job, unitID, bundleKey string, used map[int64]bool) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs
        WHERE unit_id = ? AND status = ? AND (bundle_key IS NULL OR bundle_key = ?)
        ORDER BY created_at, id`, unitID, string(StatusPending), bundleKey)
	if err != nil {
		return 0, fmt.Errorf("find pending job for unit %s: %w", unitID, err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range candidates {
		if !used[id] {
			return id, nil
		}
	}

	unit, err := getUnit(ctx, tx, unitID)
	if errors.Is(err, ErrNotFound) {
		return insertSibling(ctx, tx, primary, primary.UnitID)
	}
	if err != nil {
		return 0, err
	}
	return insertJobFromUnit(ctx, tx, unit)
}

func insertSibling(ctx context.Context, tx *sql.Tx, primary *Job, unitID string) (int64, error) {
	ts := formatTime(now())
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs (
            unit_id, work_id, work_title, unit_number, content_type, status,
            source_url, host, backup_urls, priority, retry_count, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unitID, primary.WorkID, primary.WorkTitle, primary.UnitNumber, string(primary.ContentType), string(StatusPending),
		primary.SourceURL, nullableString(primary.Host), encodeList(primary.BackupURLs), primary.Priority, primary.RetryCount, ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert sibling of job %d: %w", primary.ID, err)
	}
	return res.LastInsertId()
}

// UpdateProgress records download progress for a single downloading job.
func (s *Store) UpdateProgress(ctx context.Context, jobID int64, progress int, downloaded int64) error {
	progress = min(max(progress, 0), 100)
	ts := formatTime(now())
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET progress = ?, downloaded_bytes = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		progress, downloaded, ts, ts, jobID, string(StatusDownloading),
	); err != nil {
		return fmt.Errorf("update progress for job %d: %w", jobID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat for every downloading member of the bundle.
func (s *Store) Heartbeat(ctx context.Context, jobID int64) error {
	ts := formatTime(now())
	if _, err := s.execWithRetry(ctx,
		"UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE "+bundleScope+" AND status = ?",
		ts, ts, jobID, jobID, string(StatusDownloading),
	); err != nil {
		return fmt.Errorf("update heartbeat for job %d: %w", jobID, err)
	}
	return nil
}

// CompleteDownload moves the whole bundle to downloaded. It reports false,
// with nothing changed, when any member already left downloading (for
// example because it was cancelled while the last bytes arrived).
func (s *Store) CompleteDownload(ctx context.Context, jobID int64, files map[int64]DownloadedFile) (bool, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		members, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		ts := formatTime(now())
		for _, member := range members {
			file, ok := files[member.ID]
			if !ok {
				return fmt.Errorf("complete download: no file for job %d", member.ID)
			}
			res, err := tx.ExecContext(ctx, `UPDATE jobs SET
                    status = ?, file_path = ?, progress = 100, downloaded_bytes = ?,
                    completed_at = ?, last_heartbeat = NULL, updated_at = ?
                WHERE id = ? AND status = ?`,
				string(StatusDownloaded), file.Path, file.Bytes, ts, ts, member.ID, string(StatusDownloading))
			if err != nil {
				return fmt.Errorf("complete job %d: %w", member.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return errLostRace
			}
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fail moves every member of the bundle that is still in one of the from
// statuses to error, increments retry_count and schedules an automatic retry
// when the failure allows one. It returns the number of jobs changed.
func (s *Store) Fail(ctx context.Context, jobID int64, from []Status, failure Failure) (int64, error) {
	if len(from) == 0 {
		return 0, errors.New("fail: no source statuses")
	}
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		members, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		retryCount := 0
		for _, member := range members {
			retryCount = max(retryCount, member.RetryCount)
		}
		retryCount++
		var retryAt *time.Time
		if failure.RetryAt != nil {
			retryAt = failure.RetryAt(retryCount)
		}

		ts := formatTime(now())
		args := []any{
			string(StatusError), nullableString(failure.Kind), nullableString(strings.TrimSpace(failure.Message)),
			nullableTime(retryAt), ts, jobID, jobID,
		}
		args = append(args, statusArgs(from)...)
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET
                status = ?, error_kind = ?, error_message = ?, retry_count = retry_count + 1,
                next_retry_at = ?, last_heartbeat = NULL, updated_at = ?
            WHERE `+bundleScope+` AND status IN (`+makePlaceholders(len(from))+`)`, args...)
		if err != nil {
			return fmt.Errorf("fail job %d: %w", jobID, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Cancel moves a pending or downloading job and its whole bundle to cancelled.
func (s *Store) Cancel(ctx context.Context, jobID int64) (CancelResult, error) {
	var result CancelResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		members, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job := findMember(members, jobID)
		if !statusIn(job.Status, cancellableStatuses) {
			return invalidState(job, "cancel")
		}
		ts := formatTime(now())
		args := append([]any{string(StatusCancelled), ts, ts, jobID, jobID}, statusArgs(cancellableStatuses)...)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET
                status = ?, next_retry_at = NULL, last_heartbeat = NULL, completed_at = ?, updated_at = ?
            WHERE `+bundleScope+` AND status IN (`+makePlaceholders(len(cancellableStatuses))+`)`, args...); err != nil {
			return fmt.Errorf("cancel job %d: %w", jobID, err)
		}
		result = CancelResult{Cancelled: true, BundleSize: len(members)}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	return result, nil
}

// Retry returns an errored job and its bundle to pending. retry_count is kept.
func (s *Store) Retry(ctx context.Context, jobID int64) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		members, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job := findMember(members, jobID)
		if job.Status != StatusError {
			return invalidState(job, "retry")
		}
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs
            WHERE status IN (?, ?)
              AND unit_id IN (SELECT unit_id FROM jobs WHERE `+bundleScope+`)
              AND id NOT IN (SELECT id FROM jobs WHERE `+bundleScope+`)`,
			string(StatusPending), string(StatusDownloading), jobID, jobID, jobID, jobID,
		).Scan(&active); err != nil {
			return fmt.Errorf("check active jobs for job %d: %w", jobID, err)
		}
		if active > 0 {
			return invalidState(job, "retry (unit already has an active job)")
		}
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+requeueAssignments+`
            WHERE `+bundleScope+` AND status = ?`,
			string(StatusPending), formatTime(now()), jobID, jobID, string(StatusError))
		if err != nil {
			return fmt.Errorf("retry job %d: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		count = int(n)
		return err
	})
	return count, err
}

const requeueAssignments = `status = ?, progress = 0, downloaded_bytes = 0, error_kind = NULL, error_message = NULL,
    next_retry_at = NULL, started_at = NULL, completed_at = NULL, last_heartbeat = NULL, updated_at = ?`

// RequeueDueRetries moves errored jobs whose automatic retry is due back to
// pending. A bundle waits while any of its units has another active job.
func (s *Store) RequeueDueRetries(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET `+requeueAssignments+`
        WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
          AND NOT EXISTS (
              SELECT 1 FROM jobs member JOIN jobs other ON other.unit_id = member.unit_id
              WHERE (member.id = jobs.id OR (jobs.bundle_key IS NOT NULL AND member.bundle_key = jobs.bundle_key))
                AND other.id <> member.id
                AND other.status IN (?, ?)
                AND (jobs.bundle_key IS NULL OR other.bundle_key IS NULL OR other.bundle_key <> jobs.bundle_key))`,
		string(StatusPending), formatTime(now()), string(StatusError), formatTime(at),
		string(StatusPending), string(StatusDownloading))
	if err != nil {
		return 0, fmt.Errorf("requeue due retries: %w", err)
	}
	return res.RowsAffected()
}

// BeginConversion moves a fully downloaded bundle to converting and returns
// its members. It returns nil when some member is not downloaded yet.
func (s *Store) BeginConversion(ctx context.Context, jobID int64) ([]*Job, error) {
	var members []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		members = nil
		current, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job := findMember(current, jobID)
		if job.Status != StatusDownloaded {
			return invalidState(job, "convert")
		}
		for _, member := range current {
			if member.Status != StatusDownloaded {
				return nil
			}
		}
		ts := formatTime(now())
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, converted_path = NULL, updated_at = ?
            WHERE `+bundleScope+` AND status = ?`,
			string(StatusConverting), ts, jobID, jobID, string(StatusDownloaded)); err != nil {
			return fmt.Errorf("begin conversion for job %d: %w", jobID, err)
		}
		members, err = bundleMembers(ctx, tx, jobID)
		return err
	})
	return members, err
}

// MarkConverted records the converter output for one member. When every
// member of the bundle has an output, the bundle moves to converted and
// complete is true.
func (s *Store) MarkConverted(ctx context.Context, jobID int64, convertedPath string) (bool, error) {
	convertedPath = strings.TrimSpace(convertedPath)
	if convertedPath == "" {
		return false, errors.New("mark converted: converted path is required")
	}
	complete := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		complete = false
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusConverting {
			return invalidState(job, "mark converted")
		}
		ts := formatTime(now())
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET converted_path = ?, updated_at = ? WHERE id = ? AND status = ?`,
			convertedPath, ts, jobID, string(StatusConverting)); err != nil {
			return fmt.Errorf("mark job %d converted: %w", jobID, err)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs
            WHERE `+bundleScope+` AND status = ? AND (converted_path IS NULL OR converted_path = '')`,
			jobID, jobID, string(StatusConverting)).Scan(&remaining); err != nil {
			return fmt.Errorf("count unconverted siblings of %d: %w", jobID, err)
		}
		if remaining > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?
            WHERE `+bundleScope+` AND status = ?`,
			string(StatusConverted), ts, jobID, jobID, string(StatusConverting)); err != nil {
			return fmt.Errorf("complete conversion for job %d: %w", jobID, err)
		}
		complete = true
		return nil
	})
	return complete, err
}

// MarkConversionFailed moves the converting bundle to error.
func (s *Store) MarkConversionFailed(ctx context.Context, jobID int64, reason string) error {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusConverting {
		return invalidState(job, "mark conversion failed")
	}
	_, err = s.Fail(ctx, jobID, []Status{StatusConverting}, Failure{Kind: "ConversionFailed", Message: reason})
	return err
}

// MarkSent moves the bundle to sent and stamps sent_at.
func (s *Store) MarkSent(ctx context.Context, jobID int64, sentAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !statusIn(job.Status, sendableStatuses) {
			return invalidState(job, "mark sent")
		}
		ts := formatTime(now())
		args := append([]any{string(StatusSent), formatTime(sentAt), ts, jobID, jobID}, statusArgs(sendableStatuses)...)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET
                status = ?, sent_at = ?, error_kind = NULL, error_message = NULL, next_retry_at = NULL, updated_at = ?
            WHERE `+bundleScope+` AND status IN (`+makePlaceholders(len(sendableStatuses))+`)`, args...); err != nil {
			return fmt.Errorf("mark job %d sent: %w", jobID, err)
		}
		return nil
	})
}

// MarkSendFailed records a delivery failure. A bundle that was already sent
// keeps its status and stayedSent is true.
func (s *Store) MarkSendFailed(ctx context.Context, jobID int64, reason string) (bool, error) {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch job.Status {
	case StatusSent:
		return true, nil
	case StatusConverted, StatusError:
	default:
		return false, invalidState(job, "mark send failed")
	}
	_, err = s.Fail(ctx, jobID, []Status{StatusConverted, StatusError}, Failure{Kind: "SendFailed", Message: reason})
	return false, err
}

// ClearFiles clears file_path and converted_path for every member of the
// bundle and returns the members as they were before, so the caller can
// remove the files.
func (s *Store) ClearFiles(ctx context.Context, jobID int64) ([]*Job, error) {
	var members []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := bundleMembers(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job := findMember(current, jobID)
		if !statusIn(job.Status, fileStatuses) {
			return invalidState(job, "delete files")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET file_path = NULL, converted_path = NULL, updated_at = ?
            WHERE `+bundleScope, formatTime(now()), jobID, jobID); err != nil {
			return fmt.Errorf("clear files for job %d: %w", jobID, err)
		}
		members = current
		return nil
	})
	return members, err
}

// StuckDownloadMessage is recorded on jobs moved to error by ResetStuck.
const StuckDownloadMessage = "stuck download reset"

// ResetStuck moves downloading jobs whose last heartbeat (or start time) is at
// or before cutoff to error, together with their bundle siblings.
func (s *Store) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTime(now())
	cut := formatTime(cutoff)
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET
            status = ?, error_kind = 'StuckDownload', error_message = ?, retry_count = retry_count + 1,
            last_heartbeat = NULL, updated_at = ?
        WHERE status = ? AND (
            COALESCE(last_heartbeat, started_at, updated_at) <= ?
            OR bundle_key IN (
                SELECT bundle_key FROM jobs
                WHERE status = ? AND bundle_key IS NOT NULL
                  AND COALESCE(last_heartbeat, started_at, updated_at) <= ?))`,
		string(StatusError), StuckDownloadMessage, ts,
		string(StatusDownloading), cut,
		string(StatusDownloading), cut)
	if err != nil {
		return 0, fmt.Errorf("reset stuck downloads: %w", err)
	}
	return res.RowsAffected()
}

// RequeueConverting hands converting bundles back to downloaded so they are
// converted again; used at startup when no conversion can be in flight.
func (s *Store) RequeueConverting(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, converted_path = NULL, updated_at = ? WHERE status = ?`,
		string(StatusDownloaded), formatTime(now()), string(StatusConverting))
	if err != nil {
		return 0, fmt.Errorf("requeue converting jobs: %w", err)
	}
	return res.RowsAffected()
}

func findMember(members []*Job, id int64) *Job {
	for _, member := range members {
		if member.ID == id {
			return member
		}
	}
	return members[0]
}
