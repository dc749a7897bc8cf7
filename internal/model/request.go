package model

import (
	"errors"
	"strings"
)

// TargetType selects who a NotifyRequest is addressed to.
type TargetType string

const (
	TargetUser   TargetType = "user"
	TargetTeam   TargetType = "team"
	TargetSystem TargetType = "system"
)

// NotificationPayload is the notification body of a NotifyRequest.
type NotificationPayload struct {
	Kind    Kind   `json:"kind" binding:"required" validate:"required"`
	Title   string `json:"title" binding:"required,max=200" validate:"required,max=200"`
	Message string `json:"message" binding:"required,max=2000" validate:"required,max=2000"`
	Data    Data   `json:"data"`
}

// NotifyRequest is an out-of-process submission, received over HTTP or the
// message broker.
type NotifyRequest struct {
	Type    TargetType `json:"type" binding:"required,oneof=user team system" validate:"required,oneof=user team system"`
	UserID  string     `json:"userId,omitempty"`
	UserIDs []string   `json:"userIds,omitempty"`
	TeamID  string     `json:"teamId,omitempty"`
	// PersistIfOffline defaults to true when omitted.
	PersistIfOffline *bool              `json:"persistIfOffline,omitempty"`
	Notification     NotificationPayload `json:"notification" binding:"required" validate:"required"`
}

var (
	ErrMissingRecipient = errors.New("userId or userIds is required for user notifications")
	ErrMissingTeam      = errors.New("teamId is required for team notifications")
	ErrUnknownTarget    = errors.New("type must be one of user, team, system")
)

// Validate checks the target-specific requirements binding tags cannot express.
func (r *NotifyRequest) Validate() error {
	if !r.Notification.Kind.Valid() {
		return ErrUnknownKind
	}
	switch r.Type {
	case TargetUser:
		if strings.TrimSpace(r.UserID) == "" && len(r.UserIDs) == 0 {
			return ErrMissingRecipient
		}
		for _, id := range r.UserIDs {
			if strings.TrimSpace(id) == "" {
				return ErrMissingRecipient
			}
		}
	case TargetTeam:
		if strings.TrimSpace(r.TeamID) == "" {
			return ErrMissingTeam
		}
	case TargetSystem:
	default:
		return ErrUnknownTarget
	}
	return nil
}

// Recipients lists the users of a user-targeted request, deduplicated in order.
func (r *NotifyRequest) Recipients() []string {
	seen := make(map[string]struct{}, len(r.UserIDs)+1)
	out := make([]string, 0, len(r.UserIDs)+1)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(r.UserID)
	for _, id := range r.UserIDs {
		add(id)
	}
	return out
}

// ShouldPersist resolves the PersistIfOffline default.
func (r *NotifyRequest) ShouldPersist() bool {
	return r.PersistIfOffline == nil || *r.PersistIfOffline
}

// For builds the per-recipient notification.
func (r *NotifyRequest) For(userID string) NewNotification {
	return NewNotification{
		UserID:  userID,
		TeamID:  r.TeamID,
		Kind:    r.Notification.Kind,
		Title:   r.Notification.Title,
		Message: r.Notification.Message,
		Data:    r.Notification.Data,
	}
}
