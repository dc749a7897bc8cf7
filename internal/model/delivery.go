package model

// DeliveryMethod records how a delivery decision was resolved.
type DeliveryMethod string

const (
	DeliveryLive    DeliveryMethod = "live"
	DeliveryDurable DeliveryMethod = "durable"
	DeliveryDropped DeliveryMethod = "dropped"
)

// DeliveryOutcome is returned to producers for each accepted notification.
// Method describes the delivery attempt, not a guarantee that a client saw it.
type DeliveryOutcome struct {
	NotificationID string         `json:"notificationId"`
	UserID         string         `json:"userId"`
	Method         DeliveryMethod `json:"method"`
	// Persisted is true when a durable copy was written, including the
	// audit path where the notification was also delivered live.
	Persisted bool `json:"persisted"`
	// Connections is the number of live connections that accepted the push.
	Connections int `json:"connections"`
}
