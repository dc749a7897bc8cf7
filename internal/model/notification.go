package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of notification categories.
type Kind string

const (
	KindPostScheduled    Kind = "POST_SCHEDULED"
	KindPostPublished    Kind = "POST_PUBLISHED"
	KindPostFailed       Kind = "POST_FAILED"
	KindApprovalRequired Kind = "APPROVAL_REQUIRED"
	KindSystemAlert      Kind = "SYSTEM_ALERT"
)

var ErrUnknownKind = errors.New("unknown notification kind")

var kinds = map[Kind]struct{}{
	KindPostScheduled:    {},
	KindPostPublished:    {},
	KindPostFailed:       {},
	KindApprovalRequired: {},
	KindSystemAlert:      {},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v := Kind(b)
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(b))
	}
	*k = v
	return nil
}

// Data is the structured payload attached to a notification. Which fields are
// set depends on the kind:
//
//	POST_SCHEDULED, POST_PUBLISHED: PostID, Platform, Link
//	POST_FAILED:                     PostID, Platform, Reason
//	APPROVAL_REQUIRED:               PostID, Link
//	SYSTEM_ALERT:                    Severity
//
// TeamID echoes the notification's team. Metadata carries anything else as
// flat strings.
type Data struct {
	Link     string            `json:"link,omitempty"`
	TeamID   string            `json:"teamId,omitempty"`
	PostID   string            `json:"postId,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Severity string            `json:"severity,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Value stores Data as a JSON text column.
func (d Data) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Data) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Data{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), d)
	case []byte:
		return json.Unmarshal(v, d)
	default:
		return fmt.Errorf("cannot scan %T into Data", src)
	}
}

func (d Data) clone() Data {
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

// Notification is the delivered unit. After creation only Read and ReadAt
// ever change, and only from unread to read.
type Notification struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"userId" db:"user_id"`
	TeamID    string     `json:"teamId,omitempty" db:"team_id"`
	Kind      Kind       `json:"kind" db:"kind"`
	Title     string     `json:"title" db:"title"`
	Message   string     `json:"message" db:"message"`
	Data      Data       `json:"data" db:"data"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	Read      bool       `json:"read" db:"is_read"`
	ReadAt    *time.Time `json:"readAt,omitempty" db:"read_at"`
	ExpiresAt time.Time  `json:"-" db:"-"`
	// Broadcast marks system notifications; they are never persisted.
	Broadcast bool `json:"-" db:"-"`
}

// DeliveryEvent is the event the notification is pushed under, live or on
// replay.
func (n *Notification) DeliveryEvent() EventName {
	if n.Broadcast {
		return EventSystemNotification
	}
	return EventNotification
}

// MarkRead flips the read flag. It reports false when the notification was
// already read.
func (n *Notification) MarkRead(at time.Time) bool {
	if n.Read {
		return false
	}
	n.Read = true
	n.ReadAt = &at
	return true
}

// Clone returns a copy that shares nothing mutable with n.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Data = n.Data.clone()
	if n.ReadAt != nil {
		at := *n.ReadAt
		c.ReadAt = &at
	}
	return &c
}

// NewNotification is a producer's request to create one notification.
type NewNotification struct {
	UserID  string `json:"userId" validate:"required,max=128"`
	TeamID  string `json:"teamId,omitempty" validate:"max=128"`
	Kind    Kind   `json:"kind" validate:"required"`
	Title   string `json:"title" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=2000"`
	Data    Data   `json:"data"`
}

// Build assigns the id and creation time.
func (in NewNotification) Build(now time.Time) *Notification {
	data := in.Data.clone()
	if in.TeamID != "" && data.TeamID == "" {
		data.TeamID = in.TeamID
	}
	return &Notification{
		ID:        NewID(now),
		UserID:    in.UserID,
		TeamID:    in.TeamID,
		Kind:      in.Kind,
		Title:     in.Title,
		Message:   in.Message,
		Data:      data,
		CreatedAt: now,
	}
}

// NewID returns a sortable unique id: creation time plus a random suffix.
func NewID(now time.Time) string {
	return fmt.Sprintf("ntf_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}
