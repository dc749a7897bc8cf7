package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/internal/repository"
)

type stubRepo struct {
	repository.NotificationRepository
	cutoffs []time.Time
	err     error
}

func (r *stubRepo) DeleteReadBefore(_ context.Context, before time.Time) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.cutoffs = append(r.cutoffs, before)
	return 3, nil
}

func TestCleanupUsesRetentionWindow(t *testing.T) {
	repo := &stubRepo{}
	w := NewRetentionWorker(repo, 30, nil)
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	rows, err := w.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	require.Len(t, repo.cutoffs, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), repo.cutoffs[0])
}

func TestCleanupWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	w := NewRetentionWorker(&stubRepo{err: boom}, 30, nil)

	_, err := w.Cleanup(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	w := NewRetentionWorker(&stubRepo{}, 30, nil)
	assert.Error(t, w.Start(context.Background(), "not a schedule"))
}

func TestStartStopsWithContext(t *testing.T) {
	w := NewRetentionWorker(&stubRepo{}, 30, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, "@every 1h") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
