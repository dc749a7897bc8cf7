package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/internal/config"
	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/repository"
)

func newTestRepo(t *testing.T) (repository.NotificationRepository, *sqlx.DB) {
	t.Helper()
	db, err := NewDB(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file::memory:?_time_format=sqlite",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewNotificationRepository(NewBaseRepository(db)), db
}

func testNotification(id, userID string, createdAt time.Time) *model.Notification {
	return &model.Notification{
		ID:        id,
		UserID:    userID,
		TeamID:    "team-1",
		Kind:      model.KindPostFailed,
		Title:     "Post failed",
		Message:   "Could not publish",
		Data:      model.Data{PostID: "p1", Platform: "linkedin", Reason: "token expired"},
		CreatedAt: createdAt,
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	_, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, db))
	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestCreateAndGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	n := testNotification("n1", "u1", created)
	require.NoError(t, repo.Create(ctx, n))
	// same id again is a no-op
	require.NoError(t, repo.Create(ctx, n))

	got, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.KindPostFailed, got.Kind)
	assert.Equal(t, "token expired", got.Data.Reason)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.False(t, got.Read)
	assert.Nil(t, got.ReadAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListUnreadNewestFirst(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Create(ctx, testNotification(id, "u1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.Create(ctx, testNotification("other", "u2", base)))

	list, err := repo.ListUnread(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	all, err := repo.ListUnread(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMarkReadIsOneWay(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testNotification("n1", "u1", time.Now().UTC())))

	readAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got, err := repo.MarkRead(ctx, "n1", "u1", readAt)
	require.NoError(t, err)
	assert.True(t, got.Read)
	require.NotNil(t, got.ReadAt)
	assert.True(t, readAt.Equal(*got.ReadAt))

	// second read keeps the first timestamp
	got, err = repo.MarkRead(ctx, "n1", "u1", readAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, readAt.Equal(*got.ReadAt))

	_, err = repo.MarkRead(ctx, "n1", "someone-else", readAt)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	unread, err := repo.ListUnread(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestDeleteReadBefore(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, testNotification("old-read", "u1", old)))
	require.NoError(t, repo.Create(ctx, testNotification("old-unread", "u1", old)))
	require.NoError(t, repo.Create(ctx, testNotification("recent-read", "u1", recent)))
	_, err := repo.MarkRead(ctx, "old-read", "u1", recent)
	require.NoError(t, err)
	_, err = repo.MarkRead(ctx, "recent-read", "u1", recent)
	require.NoError(t, err)

	deleted, err := repo.DeleteReadBefore(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, "old-read")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.Get(ctx, "old-unread")
	assert.NoError(t, err)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "custom", DSN(config.DatabaseConfig{DSN: "custom"}))
	assert.Contains(t, DSN(config.DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Name: "n", SSLMode: "disable"}), "host=db port=5432")
}
