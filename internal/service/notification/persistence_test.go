package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/repository"
	"github.com/sociofly/notification-engine/pkg/circuitbreaker"
	"github.com/sociofly/notification-engine/pkg/metrics"
)

type stubRepo struct {
	repository.NotificationRepository
	created []*model.Notification
	err     error
}

func (r *stubRepo) Create(_ context.Context, n *model.Notification) error {
	if r.err != nil {
		return r.err
	}
	r.created = append(r.created, n)
	return nil
}

func (r *stubRepo) MarkRead(_ context.Context, id, _ string, _ time.Time) (*model.Notification, error) {
	if r.err != nil {
		return nil, r.err
	}
	return nil, repository.ErrNotFound
}

func (r *stubRepo) ListUnread(_ context.Context, userID string, _ int) ([]*model.Notification, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []*model.Notification{{ID: "n1", UserID: userID}}, nil
}

func newBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "durable-store",
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
		IsSuccessful:        StoreCallSucceeded,
	})
}

func TestRepositoryPersisterPersistsCopy(t *testing.T) {
	repo := &stubRepo{}
	m := metrics.New("test")
	p := NewRepositoryPersister(repo, newBreaker(), m, time.Second)

	n := &model.Notification{ID: "n1", UserID: "u1"}
	durable, err := p.Persist(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "n1", durable.ID)
	require.Len(t, repo.created, 1)
	assert.NotSame(t, n, repo.created[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceOperations.WithLabelValues("persist", "success")))

	list, err := p.LoadUnread(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRepositoryPersisterNotFoundDoesNotTrip(t *testing.T) {
	cb := newBreaker()
	p := NewRepositoryPersister(&stubRepo{}, cb, nil, time.Second)

	for i := 0; i < 3; i++ {
		_, err := p.MarkRead(context.Background(), "missing", "u1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestRepositoryPersisterOpensOnFailures(t *testing.T) {
	cb := newBreaker()
	repo := &stubRepo{err: errors.New("connection refused")}
	m := metrics.New("test")
	p := NewRepositoryPersister(repo, cb, m, time.Second)

	for i := 0; i < 2; i++ {
		_, err := p.Persist(context.Background(), &model.Notification{ID: "n1"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", cb.State())

	_, err := p.Persist(context.Background(), &model.Notification{ID: "n2"})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PersistenceOperations.WithLabelValues("persist", "error")))
}
