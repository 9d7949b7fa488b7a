package metastore

import (
	"context"
	"database/sql"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// RecordNotification appends one delivery-audit row. The table is
// append-only; reconciliation counts rows to decide whether a finish
// notification is still owed.
func (s *Store) RecordNotification(ctx context.Context, rec job.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (username, job_id, subject, response, sent_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Username, rec.JobID, rec.Subject, rec.Response, rec.SentAt.Unix())
		if err != nil {
			return false, apperrors.Internal("metastore.record_notification", err)
		}
		return true, nil
	})
}

// CountNotifications returns how many notifications have been recorded for a
// job.
func (s *Store) CountNotifications(ctx context.Context, username string, jobID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.count_notifications")
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE username = ? AND job_id = ?`,
		username, jobID).Scan(&n)
	if err != nil {
		return 0, apperrors.Internal("metastore.count_notifications", err)
	}
	return n, nil
}

// ListNotifications returns a job's audit rows in send order.
func (s *Store) ListNotifications(ctx context.Context, username string, jobID int64) ([]job.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.list_notifications")
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT username, job_id, subject, response, sent_at
		 FROM notifications WHERE username = ? AND job_id = ? ORDER BY id ASC`,
		username, jobID)
	if err != nil {
		return nil, apperrors.Internal("metastore.list_notifications", err)
	}
	defer rows.Close()

	var recs []job.NotificationRecord
	for rows.Next() {
		var rec job.NotificationRecord
		var sentAt int64
		if err := rows.Scan(&rec.Username, &rec.JobID, &rec.Subject, &rec.Response, &sentAt); err != nil {
			return nil, apperrors.Internal("metastore.list_notifications", err)
		}
		rec.SentAt = time.Unix(sentAt, 0)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("metastore.list_notifications", err)
	}
	return recs, nil
}
