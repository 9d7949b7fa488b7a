package metastore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

// Subscribe upserts a notification subscription, unique on (email, topic).
// Re-subscribing with identical fields is a no-op.
func (s *Store) Subscribe(ctx context.Context, sub job.Subscription) error {
	sub.Email = strings.TrimSpace(strings.ToLower(sub.Email))
	if sub.Email == "" || !strings.Contains(sub.Email, "@") {
		return apperrors.Validation("email", "a valid email address is required")
	}
	if sub.Topic == "" {
		return apperrors.Validation("topic", "topic is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		var curUsername, curFilter string
		err := tx.QueryRowContext(ctx,
			`SELECT username, filter FROM subscriptions WHERE email = ? AND topic = ?`,
			sub.Email, sub.Topic).Scan(&curUsername, &curFilter)
		if err == nil && curUsername == sub.Username && curFilter == sub.Filter {
			return false, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.Internal("metastore.subscribe", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (email, username, topic, filter, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(email, topic) DO UPDATE SET
			   username = excluded.username,
			   filter = excluded.filter`,
			sub.Email, sub.Username, sub.Topic, sub.Filter, sub.CreatedAt.Unix())
		if err != nil {
			return false, apperrors.Internal("metastore.subscribe", err)
		}
		return true, nil
	})
}

// Unsubscribe removes a subscription. Removing one that does not exist is a
// no-op.
func (s *Store) Unsubscribe(ctx context.Context, email, topic string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE email = ? AND topic = ?`, email, topic)
		if err != nil {
			return false, apperrors.Internal("metastore.unsubscribe", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, apperrors.Internal("metastore.unsubscribe", err)
		}
		return affected > 0, nil
	})
}

// ListSubscriptions returns subscriptions, all of them or only those for one
// topic, ordered by email.
func (s *Store) ListSubscriptions(ctx context.Context, topic string) ([]job.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT email, username, topic, filter, created_at FROM subscriptions`
	args := []any{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY email ASC, topic ASC`

	db, err := s.conn("metastore.list_subscriptions")
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("metastore.list_subscriptions", err)
	}
	defer rows.Close()

	var subs []job.Subscription
	for rows.Next() {
		var sub job.Subscription
		var createdAt int64
		if err := rows.Scan(&sub.Email, &sub.Username, &sub.Topic, &sub.Filter, &createdAt); err != nil {
			return nil, apperrors.Internal("metastore.list_subscriptions", err)
		}
		sub.CreatedAt = time.Unix(createdAt, 0)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("metastore.list_subscriptions", err)
	}
	return subs, nil
}
