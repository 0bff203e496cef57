package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bindery/internal/services"
)

// Stats returns a count of jobs grouped by status. Every known status is
// present in the result, zero when no job has it.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Counts: make(map[Status]int, len(allStatuses))}
	for _, status := range allStatuses {
		stats.Counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.Counts[Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// ClearQueue removes jobs in the given statuses and returns the removed rows
// so their files can be released. Only cancelled, sent and error jobs may be
// removed; with no statuses all three are cleared.
func (s *Store) ClearQueue(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		statuses = clearableStatuses
	}
	for _, status := range statuses {
		if !status.IsClearable() {
			return nil, services.Wrap(services.ErrValidation, "queue", "clear queue",
				fmt.Sprintf("status %q is not clearable", status), nil)
		}
	}
	var removed []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		where := " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		rows, err := tx.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs"+where, statusArgs(statuses)...)
		if err != nil {
			return err
		}
		removed, err = scanJobs(rows)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM jobs"+where, statusArgs(statuses)...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	return removed, nil
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	checks := []struct {
		query string
		dest  any
	}{
		{"SELECT version FROM schema_version LIMIT 1", &health.SchemaVersion},
		{"SELECT COUNT(1) FROM jobs", &health.TotalJobs},
		{"SELECT COUNT(1) FROM units", &health.TotalUnits},
	}
	for _, check := range checks {
		if err := s.db.QueryRowContext(connCtx, check.query).Scan(check.dest); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("health query %q: %w", check.query, err)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
