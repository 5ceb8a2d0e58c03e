package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fixitnow/internal/domain"
)

const notificationColumns = `id,recipient_id,recipient_role,issue_id,kind,message,read,created_at,delivered_at`

func scanNotification(s scanner) (domain.Notification, error) {
	var n domain.Notification
	var read int
	var delivered sql.NullString
	err := s.Scan(&n.ID, &n.RecipientID, &n.RecipientRole, &n.IssueID, &n.Kind, &n.Message, &read, &n.CreatedAt, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	n.Read = read != 0
	n.DeliveredAt = stringPtr(delivered)
	return n, err
}

// InsertNotification stores n unless a notification with the same non-empty
// dedupe key already exists. It reports whether a row was written.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification, dedupeKey string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,recipient_role,issue_id,kind,message,dedupe_key,read,created_at)
VALUES (?,?,?,?,?,?,?,0,?) ON CONFLICT(dedupe_key) DO NOTHING`,
		n.ID, n.RecipientID, n.RecipientRole, n.IssueID, n.Kind, n.Message, nullable(dedupeKey), n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

type NotificationFilter struct {
	RecipientID string
	IssueID     string
	Kind        domain.NotificationKind
	UnreadOnly  bool
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	var (
		clauses []string
		args    []any
	)
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimUndelivered marks up to limit undelivered notifications as delivered at
// ts and returns them, oldest first. A claimed notification is never handed
// out again, whatever happens to the delivery attempt.
func (r Repo) ClaimUndelivered(ctx context.Context, limit int, ts string) ([]domain.Notification, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE delivered_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var claimed []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET delivered_at=? WHERE id=? AND delivered_at IS NULL`, ts, claimed[i].ID); err != nil {
			return nil, err
		}
		claimed[i].DeliveredAt = &ts
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}
