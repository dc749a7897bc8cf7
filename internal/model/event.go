package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName names a frame on the duplex connection.
type EventName string

// Inbound events.
const (
	EventAuthenticate     EventName = "authenticate"
	EventNotificationRead EventName = "notification_read"
	EventJoinTeam         EventName = "join_team"
	EventLeaveTeam        EventName = "leave_team"
	EventPing             EventName = "ping"
)

// Outbound events.
const (
	EventAuthenticated       EventName = "authenticated"
	EventAuthError           EventName = "auth_error"
	EventNotification        EventName = "notification"
	EventNotificationReadAck EventName = "notification_read_ack"
	EventHeartbeat           EventName = "heartbeat"
	EventSystemNotification  EventName = "system_notification"
)

// Envelope is the JSON frame exchanged over the duplex connection.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes v as the data of an event frame.
func NewEnvelope(name EventName, v interface{}) (Envelope, error) {
	if v == nil {
		return Envelope{Event: name}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return Envelope{Event: name, Data: b}, nil
}

// Decode unmarshals the frame data into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// Inbound payloads.
type (
	AuthenticatePayload struct {
		UserID string `json:"userId" validate:"required,max=128"`
		TeamID string `json:"teamId,omitempty" validate:"max=128"`
		Token  string `json:"token,omitempty"`
	}

	NotificationReadPayload struct {
		NotificationID string `json:"notificationId" validate:"required,max=128"`
	}

	TeamPayload struct {
		TeamID string `json:"teamId" validate:"required,max=128"`
	}
)

// Outbound payloads.
type (
	AuthenticatedPayload struct {
		UserID    string    `json:"userId"`
		TeamID    string    `json:"teamId,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	AuthErrorPayload struct {
		Message string `json:"message"`
	}

	NotificationReadAckPayload struct {
		NotificationID string `json:"notificationId"`
	}

	HeartbeatPayload struct {
		Timestamp time.Time `json:"timestamp"`
	}
)
