package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RegisterUnits upserts catalog entries. Existing rows keep their created_at.
func (s *Store) RegisterUnits(ctx context.Context, units []Unit) (int, error) {
	for i := range units {
		if err := normalizeUnit(&units[i]); err != nil {
			return 0, err
		}
	}
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		count = 0
		ts := formatTime(now())
		for _, unit := range units {
			if _, err := tx.ExecContext(ctx, `INSERT INTO units (
                    id, work_id, work_title, number, title, content_type,
                    source_url, host_hint, backup_urls, priority, created_at, updated_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT(id) DO UPDATE SET
                    work_id = excluded.work_id,
                    work_title = excluded.work_title,
                    number = excluded.number,
                    title = excluded.title,
                    content_type = excluded.content_type,
                    source_url = excluded.source_url,
                    host_hint = excluded.host_hint,
                    backup_urls = excluded.backup_urls,
                    priority = excluded.priority,
                    updated_at = excluded.updated_at`,
				unit.ID, unit.WorkID, unit.WorkTitle, unit.Number, unit.Title, string(unit.ContentType),
				unit.SourceURL, nullableString(unit.HostHint), encodeList(unit.BackupURLs), unit.Priority, ts, ts,
			); err != nil {
				return fmt.Errorf("upsert unit %s: %w", unit.ID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetUnit fetches a catalog entry.
func (s *Store) GetUnit(ctx context.Context, id string) (*Unit, error) {
	return getUnit(ensureContext(ctx), s.db, id)
}

func getUnit(ctx context.Context, q querier, id string) (*Unit, error) {
	unit, err := scanUnit(q.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", id, err)
	}
	return unit, nil
}

func normalizeUnit(unit *Unit) error {
	unit.ID = strings.TrimSpace(unit.ID)
	unit.SourceURL = strings.TrimSpace(unit.SourceURL)
	unit.HostHint = strings.ToLower(strings.TrimSpace(unit.HostHint))
	if unit.ID == "" {
		return errors.New("unit id is required")
	}
	if unit.SourceURL == "" {
		return fmt.Errorf("unit %s: source_url is required", unit.ID)
	}
	contentType, ok := ParseContentType(string(unit.ContentType))
	if !ok {
		return fmt.Errorf("unit %s: unknown content type %q", unit.ID, unit.ContentType)
	}
	unit.ContentType = contentType
	if unit.Priority < 0 || unit.Priority > 10 {
		return fmt.Errorf("unit %s: priority must be between 0 and 10", unit.ID)
	}
	return nil
}
