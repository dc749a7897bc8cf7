package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/pkg/messaging"
	"github.com/sociofly/notification-engine/pkg/metrics"
)

// HandleMessage submits one NotifyRequest received from the broker.
func (s *Service) HandleMessage(ctx context.Context, payload []byte) error {
	var req model.NotifyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: malformed request: %v", ErrInvalidNotification, err)
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	outcomes, err := s.Submit(ctx, req)
	if err != nil {
		return err
	}
	s.log.Debug("broker request delivered", "type", string(req.Type), "recipients", len(outcomes))
	return nil
}

// ConsumeRequests feeds broker messages on channel into Submit until ctx is
// done. Bad messages are logged and skipped.
func (s *Service) ConsumeRequests(ctx context.Context, broker messaging.Broker, channel string, m *metrics.Metrics) error {
	handler := func(ctx context.Context, payload []byte) error {
		err := s.HandleMessage(ctx, payload)
		if m != nil {
			status := "accepted"
			if err != nil {
				status = "rejected"
			}
			m.BrokerMessages.WithLabelValues(status).Inc()
		}
		return err
	}

	s.log.Info("consuming notification requests", "channel", channel)
	return messaging.Consume(ctx, broker, channel, handler, func(err error) {
		s.log.Warn("skipping broker message", "channel", channel, "error", err.Error())
	})
}
