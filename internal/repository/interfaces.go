package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
)

var ErrNotFound = errors.New("record not found")

// All repository interfaces in one file
type (
	// NotificationRepository is the durable notification store.
	NotificationRepository interface {
		// Create inserts n. Inserting an id that already exists is a no-op.
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id string) (*model.Notification, error)
		// ListUnread returns the newest unread notifications first.
		ListUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
		// MarkRead sets the read flag once and returns the stored row.
		MarkRead(ctx context.Context, id, userID string, at time.Time) (*model.Notification, error)
		DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
	}

	// HealthChecker reports whether the backing store is reachable.
	HealthChecker interface {
		Ping(ctx context.Context) error
	}
)
