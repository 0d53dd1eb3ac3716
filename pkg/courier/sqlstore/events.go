package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/courier/pkg/courier/eventlog"
)

const eventColumns = `id, name, payload, status, retry_count, max_retries, error, created_at, last_attempt_at`

// InsertEvent implements eventlog.Store.
func (s *Store) InsertEvent(ctx context.Context, rec eventlog.Record) error {
	_, err := s.exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Name, payloadArg(rec.Payload), string(rec.Status),
		rec.RetryCount, rec.MaxRetries, nullString(rec.Error),
		s.dialect.timeArg(rec.CreatedAt), s.dialect.nullTimeArg(rec.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// UpdateEvent implements eventlog.Store.
func (s *Store) UpdateEvent(ctx context.Context, rec eventlog.Record) error {
	res, err := s.exec(ctx, `
		UPDATE events
		SET status = ?, retry_count = ?, error = ?, last_attempt_at = ?
		WHERE id = ?
	`,
		string(rec.Status), rec.RetryCount, nullString(rec.Error),
		s.dialect.nullTimeArg(rec.LastAttemptAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n == 0 {
		return eventlog.ErrNotFound
	}
	return nil
}

// GetEvent implements eventlog.Store.
func (s *Store) GetEvent(ctx context.Context, id string) (eventlog.Record, error) {
	var (
		rec   eventlog.Record
		found bool
	)
	err := s.query(ctx, func(rows *sql.Rows) error {
		r, err := scanEvent(rows)
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	}, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, ErrStoreClosed) {
			return eventlog.Record{}, err
		}
		return eventlog.Record{}, fmt.Errorf("get event: %w", err)
	}
	if !found {
		return eventlog.Record{}, eventlog.ErrNotFound
	}
	return rec, nil
}

// QueryEvents implements eventlog.Store.
func (s *Store) QueryEvents(ctx context.Context, f eventlog.Filter) ([]eventlog.Record, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.RetryBudget {
		where = append(where, "retry_count < max_retries")
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	recs := make([]eventlog.Record, 0)
	err := s.query(ctx, func(rows *sql.Rows) error {
		rec, err := scanEvent(rows)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	}, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return recs, nil
}

// CountByStatus implements eventlog.Store.
func (s *Store) CountByStatus(ctx context.Context) (map[eventlog.Status]int, error) {
	counts := make(map[eventlog.Status]int)
	err := s.query(ctx, func(rows *sql.Rows) error {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		counts[eventlog.Status(status)] = n
		return nil
	}, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return counts, nil
}

// DeleteBefore implements eventlog.Store.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, `
		DELETE FROM events
		WHERE created_at < ?
		AND (status = ? OR (status = ? AND retry_count >= max_retries))
	`, s.dialect.timeArg(cutoff), string(eventlog.StatusSuccess), string(eventlog.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return int(n), nil
}

func scanEvent(rows *sql.Rows) (eventlog.Record, error) {
	var (
		rec         eventlog.Record
		payload     sql.NullString
		status      string
		errMsg      sql.NullString
		createdAt   scanTime
		lastAttempt scanTime
	)
	if err := rows.Scan(
		&rec.ID, &rec.Name, &payload, &status, &rec.RetryCount, &rec.MaxRetries,
		&errMsg, &createdAt, &lastAttempt,
	); err != nil {
		return eventlog.Record{}, fmt.Errorf("scan event: %w", err)
	}

	rec.Payload = payloadFrom(payload)
	rec.Status = eventlog.Status(status)
	rec.Error = errMsg.String
	rec.CreatedAt = createdAt.Time
	rec.LastAttemptAt = lastAttempt.ptr()
	return rec, nil
}
