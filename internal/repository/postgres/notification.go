package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/repository"
)

const notificationColumns = `id, user_id, team_id, kind, title, message, data, is_read, created_at, read_at`

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := r.q(`
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)

	var readAt *time.Time
	if n.ReadAt != nil {
		at := n.ReadAt.UTC()
		readAt = &at
	}

	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.TeamID,
		n.Kind,
		n.Title,
		n.Message,
		n.Data,
		n.Read,
		n.CreatedAt.UTC(),
		readAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id string) (*model.Notification, error) {
	return r.get(ctx, r.db, id)
}

func (r *notificationRepository) get(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Notification, error) {
	query := r.q(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`)

	var n model.Notification
	if err := sqlx.GetContext(ctx, q, &n, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

func (r *notificationRepository) ListUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.q(`
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = ? AND is_read = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	var out []*model.Notification
	if err := r.db.SelectContext(ctx, &out, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list unread notifications: %w", err)
	}
	return out, nil
}

// MarkRead flips the flag and reads the row back in one transaction.
func (r *notificationRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) (*model.Notification, error) {
	update := r.q(`
		UPDATE notifications
		SET is_read = TRUE, read_at = ?
		WHERE id = ? AND user_id = ? AND is_read = FALSE
	`)

	var n *model.Notification
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, update, at.UTC(), id, userID); err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		got, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if got.UserID != userID {
			return repository.ErrNotFound
		}
		n = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *notificationRepository) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	query := r.q(`DELETE FROM notifications WHERE is_read = TRUE AND created_at < ?`)

	result, err := r.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete read notifications: %w", err)
	}
	return result.RowsAffected()
}
