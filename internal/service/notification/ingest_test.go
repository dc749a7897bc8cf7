package notification

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/pkg/metrics"
)

type memoryBroker struct {
	ch chan []byte
}

func (b *memoryBroker) Publish(context.Context, string, interface{}) error { return nil }

func (b *memoryBroker) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *memoryBroker) Close() error { return nil }

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	f.connect("u1", "s1", "")

	err := f.svc.HandleMessage(context.Background(), []byte(`{
		"type": "user",
		"userId": "u1",
		"notification": {"kind": "POST_FAILED", "title": "Failed", "message": "Token expired", "data": {"postId": "p9", "reason": "auth"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len("u1"))

	tests := map[string]string{
		"malformed":    `{"type":`,
		"unknown kind": `{"type":"user","userId":"u1","notification":{"kind":"X","title":"t","message":"m"}}`,
		"no title":     `{"type":"user","userId":"u1","notification":{"kind":"POST_FAILED","message":"m"}}`,
		"bad type":     `{"type":"everyone","notification":{"kind":"POST_FAILED","title":"t","message":"m"}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, f.svc.HandleMessage(context.Background(), []byte(payload)), ErrInvalidNotification)
		})
	}
}

func TestConsumeRequestsSkipsBadMessages(t *testing.T) {
	f := newFixture(t)
	m := metrics.New("test")
	broker := &memoryBroker{ch: make(chan []byte, 3)}

	broker.ch <- []byte(`not json`)
	broker.ch <- []byte(`{"type":"user","userId":"u1","persistIfOffline":false,"notification":{"kind":"POST_PUBLISHED","title":"t","message":"m"}}`)
	close(broker.ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.svc.ConsumeRequests(ctx, broker, "notifications:requests", m))

	assert.Equal(t, 1, f.store.Len("u1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerMessages.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerMessages.WithLabelValues("rejected")))
}
