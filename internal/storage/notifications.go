package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertNotifications writes a batch of notification rows.
func (q *queries) InsertNotifications(ctx context.Context, ns []Notification) error {
	for _, n := range ns {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now()
		}
		related, err := encodeIDs(n.RelatedIDs)
		if err != nil {
			return err
		}
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, workspace_id, type, title, body, link, related_ids, read_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.UserID, n.WorkspaceID, n.Type, n.Title, n.Body, n.Link, related,
			formatNullTime(n.ReadAt), formatTime(n.CreatedAt)); err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
	}
	return nil
}

// InsertNotifications runs the batch in its own transaction.
func (s *Store) InsertNotifications(ctx context.Context, ns []Notification) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertNotifications(ctx, ns)
	})
}

// ListNotifications returns a user's notifications newest first.
func (q *queries) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, workspace_id, type, title, body, link, related_ids, read_at, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var related, createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.WorkspaceID, &n.Type, &n.Title, &n.Body, &n.Link,
			&related, &readAt, &createdAt); err != nil {
			return nil, err
		}
		if n.RelatedIDs, err = decodeIDs(related); err != nil {
			return nil, err
		}
		if n.ReadAt, err = parseNullTime(readAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead sets read_at once; re-reading keeps the first timestamp.
func (q *queries) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
