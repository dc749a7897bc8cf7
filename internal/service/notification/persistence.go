package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/repository"
	"github.com/sociofly/notification-engine/pkg/circuitbreaker"
	"github.com/sociofly/notification-engine/pkg/metrics"
)

// Persister is the durable fallback boundary. Persist must be safe to call
// again with the same notification.
type Persister interface {
	Persist(ctx context.Context, n *model.Notification) (*model.Notification, error)
	LoadUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	MarkRead(ctx context.Context, notificationID, userID string) (*model.Notification, error)
}

// RepositoryPersister adapts a NotificationRepository: every call runs under
// a timeout and a circuit breaker and is measured.
type RepositoryPersister struct {
	repo    repository.NotificationRepository
	cb      *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewRepositoryPersister wraps repo. cb and m may be nil; cb should treat
// repository.ErrNotFound as a success (see StoreCallSucceeded).
func NewRepositoryPersister(repo repository.NotificationRepository, cb *circuitbreaker.CircuitBreaker, m *metrics.Metrics, timeout time.Duration) *RepositoryPersister {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RepositoryPersister{
		repo:    repo,
		cb:      cb,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

func (p *RepositoryPersister) Persist(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	durable := n.Clone()
	err := p.run(ctx, "persist", func(ctx context.Context) error {
		return p.repo.Create(ctx, durable)
	})
	if err != nil {
		return nil, err
	}
	return durable, nil
}

func (p *RepositoryPersister) LoadUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	var out []*model.Notification
	err := p.run(ctx, "load_unread", func(ctx context.Context) error {
		var err error
		out, err = p.repo.ListUnread(ctx, userID, limit)
		return err
	})
	return out, err
}

func (p *RepositoryPersister) MarkRead(ctx context.Context, notificationID, userID string) (*model.Notification, error) {
	var out *model.Notification
	err := p.run(ctx, "mark_read", func(ctx context.Context) error {
		var err error
		out, err = p.repo.MarkRead(ctx, notificationID, userID, p.now())
		return err
	})
	return out, err
}

func (p *RepositoryPersister) run(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	call := func() error { return fn(ctx) }

	var err error
	if p.cb != nil {
		err = p.cb.Execute(call)
	} else {
		err = call()
	}

	if p.metrics != nil {
		status := "success"
		if !StoreCallSucceeded(err) {
			status = "error"
		}
		p.metrics.PersistenceOperations.WithLabelValues(op, status).Inc()
		p.metrics.PersistenceLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// StoreCallSucceeded is the breaker success predicate for durable store
// calls: a missing row is an answer, not an outage.
func StoreCallSucceeded(err error) bool {
	return err == nil || errors.Is(err, repository.ErrNotFound)
}
