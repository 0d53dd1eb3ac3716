package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/randalmurphal/courier/pkg/courier/msglog"
)

// InsertMessageLog implements msglog.Store.
func (s *Store) InsertMessageLog(ctx context.Context, e msglog.Entry) error {
	_, err := s.exec(ctx, `
		INSERT INTO message_logs (id, sender, recipient, direction, content, command, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, nullString(e.From), nullString(e.To), string(e.Direction), e.Content,
		nullString(e.Command), nullString(e.Response), s.dialect.timeArg(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

// QueryMessageLogs implements msglog.Store.
func (s *Store) QueryMessageLogs(ctx context.Context, q msglog.Query) ([]msglog.Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Identity != "" {
		where = append(where, "(sender = ? OR recipient = ?)")
		args = append(args, q.Identity, q.Identity)
	}
	if q.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(q.Direction))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, s.dialect.timeArg(q.Since))
	}

	query := `SELECT id, sender, recipient, direction, content, command, response, created_at FROM message_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	entries := make([]msglog.Entry, 0)
	err := s.query(ctx, func(rows *sql.Rows) error {
		var (
			e                       msglog.Entry
			from, to, command, resp sql.NullString
			direction               string
			ts                      scanTime
		)
		if err := rows.Scan(&e.ID, &from, &to, &direction, &e.Content, &command, &resp, &ts); err != nil {
			return fmt.Errorf("scan message log: %w", err)
		}
		e.From = from.String
		e.To = to.String
		e.Direction = msglog.Direction(direction)
		e.Command = command.String
		e.Response = resp.String
		e.Timestamp = ts.Time
		entries = append(entries, e)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query message logs: %w", err)
	}
	return entries, nil
}
