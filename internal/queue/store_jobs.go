package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetByID fetches a job. Missing jobs yield an error matching ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	return getJob(ensureContext(ctx), s.db, id)
}

func getJob(ctx context.Context, q querier, id int64) (*Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// BundleMembers returns the job and all of its siblings ordered by part index.
func (s *Store) BundleMembers(ctx context.Context, id int64) ([]*Job, error) {
	return bundleMembers(ensureContext(ctx), s.db, id)
}

func bundleMembers(ctx context.Context, q querier, id int64) ([]*Job, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE "+bundleScope+" ORDER BY part_index, id", id, id)
	if err != nil {
		return nil, fmt.Errorf("bundle members of %d: %w", id, err)
	}
	members, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, notFound(id)
	}
	return members, nil
}

// BundleSizes returns the member count for each given bundle key.
func (s *Store) BundleSizes(ctx context.Context, keys []string) (map[string]int, error) {
	sizes := make(map[string]int, len(keys))
	if len(keys) == 0 {
		return sizes, nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT bundle_key, COUNT(1) FROM jobs WHERE bundle_key IN ("+makePlaceholders(len(keys))+") GROUP BY bundle_key", args...)
	if err != nil {
		return nil, fmt.Errorf("bundle sizes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		sizes[key] = count
	}
	return sizes, rows.Err()
}

// List returns jobs matching the filter, newest first, plus the unpaginated total.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	ctx = ensureContext(ctx)
	where := ""
	var args []any
	if len(filter.Statuses) > 0 {
		where = " WHERE status IN (" + makePlaceholders(len(filter.Statuses)) + ")"
		args = statusArgs(filter.Statuses)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := "SELECT " + jobColumns + " FROM jobs" + where + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByStatus returns every job in the given statuses in dispatch order.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+jobColumns+" FROM jobs WHERE status IN ("+makePlaceholders(len(statuses))+") ORDER BY priority DESC, created_at, id",
		statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

// NextPending returns up to limit pending jobs in dispatch order: priority
// descending, then creation time, then id. Bundles are represented once by
// their lowest pending id, and the excluded ids are skipped.
func (s *Store) NextPending(ctx context.Context, exclude []int64, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM jobs WHERE status = ?")
	args := []any{string(StatusPending)}
	b.WriteString(` AND (bundle_key IS NULL OR id = (
        SELECT MIN(j2.id) FROM jobs j2 WHERE j2.bundle_key = jobs.bundle_key AND j2.status = ?))`)
	args = append(args, string(StatusPending))
	if len(exclude) > 0 {
		b.WriteString(" AND id NOT IN (" + makePlaceholders(len(exclude)) + ")")
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	b.WriteString(" ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	return scanJobs(rows)
}

// DownloadedBundles returns one representative job per bundle whose members
// are all downloaded and therefore ready for conversion.
func (s *Store) DownloadedBundles(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+jobColumns+` FROM jobs
        WHERE status = ?
          AND (bundle_key IS NULL OR (
              id = (SELECT MIN(j2.id) FROM jobs j2 WHERE j2.bundle_key = jobs.bundle_key)
              AND NOT EXISTS (SELECT 1 FROM jobs j3 WHERE j3.bundle_key = jobs.bundle_key AND j3.status <> ?)))
        ORDER BY priority DESC, created_at, id`,
		string(StatusDownloaded), string(StatusDownloaded))
	if err != nil {
		return nil, fmt.Errorf("select downloaded jobs: %w", err)
	}
	return scanJobs(rows)
}

// Enqueue creates a pending job for each known unit that has no active job.
// Unknown unit ids are reported rather than created.
func (s *Store) Enqueue(ctx context.Context, unitIDs []string) (EnqueueResult, error) {
	var result EnqueueResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = EnqueueResult{}
		for _, raw := range unitIDs {
			unitID := strings.TrimSpace(raw)
			if unitID == "" {
				continue
			}
			unit, err := getUnit(ctx, tx, unitID)
			if errors.Is(err, ErrNotFound) {
				result.Unknown = append(result.Unknown, unitID)
				continue
			}
			if err != nil {
				return err
			}

			var active int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(1) FROM jobs WHERE unit_id = ? AND status IN (?, ?)",
				unitID, string(StatusPending), string(StatusDownloading),
			).Scan(&active); err != nil {
				return fmt.Errorf("check active jobs for %s: %w", unitID, err)
			}
			if active > 0 {
				result.Skipped = append(result.Skipped, unitID)
				continue
			}

			if err := supersedeRetries(ctx, tx, unitID); err != nil {
				return err
			}
			id, err := insertJobFromUnit(ctx, tx, unit)
			if err != nil {
				return err
			}
			result.Enqueued = append(result.Enqueued, id)
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	return result, nil
}

// supersedeRetries drops pending automatic retries of errored bundles that
// contain unitID, since the new job replaces them.
func supersedeRetries(ctx context.Context, tx *sql.Tx, unitID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET next_retry_at = NULL, updated_at = ?
        WHERE status = ? AND next_retry_at IS NOT NULL AND (
            unit_id = ? OR bundle_key IN (
                SELECT bundle_key FROM jobs
                WHERE unit_id = ? AND status = ? AND bundle_key IS NOT NULL))`,
		formatTime(now()), string(StatusError), unitID, unitID, string(StatusError))
	if err != nil {
		return fmt.Errorf("supersede retries for %s: %w", unitID, err)
	}
	return nil
}

func insertJobFromUnit(ctx context.Context, tx *sql.Tx, unit *Unit) (int64, error) {
	ts := formatTime(now())
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs (
            unit_id, work_id, work_title, unit_number, content_type, status,
            source_url, host, backup_urls, priority, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unit.ID, unit.WorkID, unit.WorkTitle, unit.Number, string(unit.ContentType), string(StatusPending),
		unit.SourceURL, nullableString(unit.HostHint), encodeList(unit.BackupURLs), unit.Priority, ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job for unit %s: %w", unit.ID, err)
	}
	return res.LastInsertId()
}
