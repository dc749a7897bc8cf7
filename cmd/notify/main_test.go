package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/internal/model"
)

func parseSend(t *testing.T, args ...string) (model.NotifyRequest, error) {
	t.Helper()
	var cmd Send
	if _, err := flags.NewParser(&cmd, flags.None).ParseArgs(args); err != nil {
		return model.NotifyRequest{}, err
	}
	return cmd.request()
}

func TestSendRequest(t *testing.T) {
	req, err := parseSend(t, "--users", "u1, u2", "--kind", "POST_FAILED", "--title", "Failed", "-m", "Token expired", "--no-persist")
	require.NoError(t, err)

	assert.Equal(t, model.TargetUser, req.Type)
	assert.Equal(t, []string{"u1", "u2"}, req.Recipients())
	assert.False(t, req.ShouldPersist())

	req, err = parseSend(t, "--type", "team", "--team", "t1", "--title", "Heads up", "--message", "Maintenance")
	require.NoError(t, err)
	assert.Equal(t, "t1", req.TeamID)
	assert.Equal(t, model.KindSystemAlert, req.Notification.Kind)
	assert.True(t, req.ShouldPersist())
}

func TestSendRequestRejectsInvalid(t *testing.T) {
	tests := map[string][]string{
		"no recipients": {"--title", "t", "--message", "m"},
		"no title":      {"--users", "u1", "--message", "m"},
		"bad kind":      {"--users", "u1", "--kind", "NOPE", "--title", "t", "--message", "m"},
		"team no id":    {"--type", "team", "--title", "t", "--message", "m"},
		"bad type":      {"--type", "everyone", "--title", "t", "--message", "m"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseSend(t, args...)
			assert.Error(t, err)
		})
	}
}

type recordingPublisher struct {
	channel string
	message interface{}
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.channel = channel
	p.message = message
	return p.err
}

func TestPublish(t *testing.T) {
	req, err := parseSend(t, "--users", "u1", "--title", "t", "--message", "m")
	require.NoError(t, err)

	pub := &recordingPublisher{}
	require.NoError(t, publish(context.Background(), pub, "notifications:requests", req))
	assert.Equal(t, "notifications:requests", pub.channel)
	assert.Equal(t, req, pub.message)

	assert.Error(t, publish(context.Background(), pub, "", req))

	pub.err = errors.New("circuit breaker is open")
	assert.ErrorIs(t, publish(context.Background(), pub, "c", req), pub.err)
}
