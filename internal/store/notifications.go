package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"portaljobs/internal/domain"
)

func (s *Store) InsertNotificationLog(ctx context.Context, e domain.NotificationLogEntry) (string, error) {
	id := e.ID
	if id == "" {
		id = "ntf_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.NotificationPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_logs (id, user_id, channel, subject, message, status, error_message, permanent, created_at, sent_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, id, e.UserID, string(e.Channel), e.Subject, e.Message, string(e.Status), e.ErrorMessage,
		boolInt(e.Permanent), millis(s.stamp(e.CreatedAt)), nullMillis(e.SentAt))
	return id, err
}

func (s *Store) GetNotificationLog(ctx context.Context, id string) (domain.NotificationLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, channel, subject, message, status, error_message, permanent, created_at, sent_at
FROM notification_logs WHERE id=?`, id)
	e, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationLogEntry{}, ErrNotFound
	}
	return e, err
}

// RetryableNotifications returns failed, non-permanent entries created at or
// after since, oldest first.
func (s *Store) RetryableNotifications(ctx context.Context, since time.Time, limit int) ([]domain.NotificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, channel, subject, message, status, error_message, permanent, created_at, sent_at
FROM notification_logs
WHERE status='failed' AND permanent=0 AND created_at >= ?
ORDER BY created_at ASC, id ASC
LIMIT ?`, millis(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationLogEntry
	for rows.Next() {
		e, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notification_logs SET status='sent', sent_at=?, error_message='' WHERE id=?`, millis(at), id)
	return err
}

// MarkNotificationFailed records a renewed failure. The entry stays failed
// and remains eligible while it is inside the retry window.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notification_logs SET status='failed', error_message=? WHERE id=?`, errMsg, id)
	return err
}

// MarkNotificationPermanent takes an undeliverable entry out of the retry set.
func (s *Store) MarkNotificationPermanent(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notification_logs SET error_message=?, permanent=1 WHERE id=?`, errMsg, id)
	return err
}

// PurgeNotificationLogs deletes log entries created before cutoff, whatever their status.
func (s *Store) PurgeNotificationLogs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_logs WHERE created_at < ?`, millis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) InsertSystemNotification(ctx context.Context, n domain.SystemNotification) (string, error) {
	id := n.ID
	if id == "" {
		id = "sys_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO system_notifications (id, user_id, title, body, is_read, created_at) VALUES (?,?,?,?,?,?)`,
		id, n.UserID, n.Title, n.Body, boolInt(n.IsRead), millis(s.stamp(n.CreatedAt)))
	return id, err
}

func (s *Store) CountSystemNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_notifications WHERE user_id=?`, userID).Scan(&n)
	return n, err
}

// PurgeReadSystemNotifications deletes read in-app notifications created before cutoff.
func (s *Store) PurgeReadSystemNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_notifications WHERE is_read=1 AND created_at < ?`, millis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeliveryCounts aggregates log entries created in [from, to).
func (s *Store) DeliveryCounts(ctx context.Context, from, to time.Time) (domain.DeliveryCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM notification_logs
WHERE created_at >= ? AND created_at < ?
GROUP BY status`, millis(from), millis(to))
	if err != nil {
		return domain.DeliveryCounts{}, err
	}
	defer rows.Close()

	var c domain.DeliveryCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.DeliveryCounts{}, err
		}
		switch domain.NotificationStatus(status) {
		case domain.NotificationSent:
			c.Sent = n
		case domain.NotificationFailed:
			c.Failed = n
		case domain.NotificationPending:
			c.Pending = n
		}
	}
	return c, rows.Err()
}

// ClaimDigest records that the digest for day is being sent. It returns false
// when the day was already claimed.
func (s *Store) ClaimDigest(ctx context.Context, day string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO digest_runs (day, sent_at) VALUES (?,?) ON CONFLICT(day) DO NOTHING`, day, millis(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanNotification(sc scanner) (domain.NotificationLogEntry, error) {
	var e domain.NotificationLogEntry
	var channel, status string
	var permanent int
	var created int64
	var sent sql.NullInt64
	if err := sc.Scan(&e.ID, &e.UserID, &channel, &e.Subject, &e.Message, &status, &e.ErrorMessage, &permanent, &created, &sent); err != nil {
		return domain.NotificationLogEntry{}, err
	}
	e.Channel = domain.Channel(channel)
	e.Status = domain.NotificationStatus(status)
	e.Permanent = permanent == 1
	e.CreatedAt = fromMillis(created)
	e.SentAt = timePtr(sent)
	return e, nil
}
