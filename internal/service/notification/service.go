package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/realtime"
	"github.com/sociofly/notification-engine/internal/repository"
	"github.com/sociofly/notification-engine/pkg/logger"
	"github.com/sociofly/notification-engine/pkg/validator"
)

var (
	ErrInvalidNotification  = errors.New("invalid notification")
	ErrNotificationNotFound = errors.New("notification not found")

	errNoLiveConnection = errors.New("no live connection accepted the notification")
)

// DeliveryOptions controls the durable path of a delivery decision.
type DeliveryOptions struct {
	// PersistIfOffline writes a durable copy when no live connection takes
	// the notification.
	PersistIfOffline bool
	// PersistAlways also writes a durable copy after a live delivery.
	PersistAlways bool
}

type Config struct {
	EnableDurableFallback    bool
	AggressiveTrimFraction   float64
	MaxConcurrentConnections int
	// ReplayLimit bounds how many durable notifications are loaded when the
	// in-memory queue is empty.
	ReplayLimit int
}

// Servicer is what the transport and the control surface need.
type Servicer interface {
	Send(ctx context.Context, in model.NewNotification, opts DeliveryOptions) (model.DeliveryOutcome, error)
	SendBulk(ctx context.Context, in []model.NewNotification, opts DeliveryOptions) ([]model.DeliveryOutcome, error)
	SendTeamNotification(ctx context.Context, teamID string, in model.NewNotification, opts DeliveryOptions) ([]model.DeliveryOutcome, error)
	SendSystemNotification(ctx context.Context, in model.NewNotification) ([]model.DeliveryOutcome, error)
	Submit(ctx context.Context, req model.NotifyRequest) ([]model.DeliveryOutcome, error)
	MarkRead(ctx context.Context, userID, notificationID string) (ReadResult, error)
	Unread(ctx context.Context, userID string) ([]*model.Notification, error)
	Status() Status
	Stats() Stats
}

// Service is the delivery router. It owns no state of its own: the registry
// and the store are shared with the transport.
type Service struct {
	cfg       Config
	registry  *realtime.Registry
	store     *realtime.Store
	monitor   *realtime.Monitor
	persister Persister
	validator validator.Validator
	log       *logger.Logger
	now       func() time.Time
}

// NewService wires the router. persister may be nil, which disables the
// durable path regardless of cfg.
func NewService(cfg Config, registry *realtime.Registry, store *realtime.Store, monitor *realtime.Monitor, persister Persister, v validator.Validator, log *logger.Logger) *Service {
	if cfg.AggressiveTrimFraction <= 0 || cfg.AggressiveTrimFraction > 1 {
		cfg.AggressiveTrimFraction = 0.5
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 50
	}
	if v == nil {
		v = validator.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	store.OnEvict(monitor.RecordEviction)

	return &Service{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		monitor:   monitor,
		persister: persister,
		validator: v,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) fallbackEnabled() bool {
	return s.cfg.EnableDurableFallback && s.persister != nil
}

func (s *Service) Send(ctx context.Context, in model.NewNotification, opts DeliveryOptions) (model.DeliveryOutcome, error) {
	if err := s.validate(in); err != nil {
		return model.DeliveryOutcome{}, err
	}
	n := in.Build(s.now())
	return s.deliver(ctx, n, model.EventNotification, s.registry.ConnectionsFor, opts), nil
}

// SendBulk validates every item before delivering any of them. Each item is
// an independent delivery decision.
func (s *Service) SendBulk(ctx context.Context, in []model.NewNotification, opts DeliveryOptions) ([]model.DeliveryOutcome, error) {
	for i := range in {
		if err := s.validate(in[i]); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	out := make([]model.DeliveryOutcome, 0, len(in))
	for _, item := range in {
		n := item.Build(s.now())
		out = append(out, s.deliver(ctx, n, model.EventNotification, s.registry.ConnectionsFor, opts))
	}
	return out, nil
}

// SendTeamNotification delivers a separate notification to every online
// member of the team room, on that member's connections in the room only.
func (s *Service) SendTeamNotification(ctx context.Context, teamID string, in model.NewNotification, opts DeliveryOptions) ([]model.DeliveryOutcome, error) {
	if teamID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, model.ErrMissingTeam)
	}
	in.TeamID = teamID
	if err := s.validatePayload(in); err != nil {
		return nil, err
	}

	members := s.registry.OnlineUsersInTeam(teamID)
	out := make([]model.DeliveryOutcome, 0, len(members))
	for _, member := range members {
		item := in
		item.UserID = member
		n := item.Build(s.now())
		targets := func(userID string) []*realtime.Connection {
			return s.registry.TeamConnectionsFor(userID, teamID)
		}
		out = append(out, s.deliver(ctx, n, model.EventNotification, targets, opts))
	}

	s.log.Debug("team notification delivered", "team_id", teamID, "members", len(members))
	return out, nil
}

// SendSystemNotification delivers to every connected user. Broadcasts are
// never persisted.
func (s *Service) SendSystemNotification(ctx context.Context, in model.NewNotification) ([]model.DeliveryOutcome, error) {
	if err := s.validatePayload(in); err != nil {
		return nil, err
	}

	users := s.registry.OnlineUsers()
	out := make([]model.DeliveryOutcome, 0, len(users))
	for _, user := range users {
		item := in
		item.UserID = user
		n := item.Build(s.now())
		n.Broadcast = true
		out = append(out, s.deliver(ctx, n, n.DeliveryEvent(), s.registry.ConnectionsFor, DeliveryOptions{}))
	}
	return out, nil
}

// Submit accepts an out-of-process request from HTTP or the broker.
func (s *Service) Submit(ctx context.Context, req model.NotifyRequest) ([]model.DeliveryOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	opts := DeliveryOptions{PersistIfOffline: req.ShouldPersist()}

	switch req.Type {
	case model.TargetUser:
		recipients := req.Recipients()
		items := make([]model.NewNotification, 0, len(recipients))
		for _, userID := range recipients {
			items = append(items, req.For(userID))
		}
		return s.SendBulk(ctx, items, opts)
	case model.TargetTeam:
		return s.SendTeamNotification(ctx, req.TeamID, req.For(""), opts)
	default:
		return s.SendSystemNotification(ctx, req.For(""))
	}
}

// deliver makes one delivery decision. The store is written before the
// online check so a concurrent register can only cause a duplicate, never a
// loss.
func (s *Service) deliver(ctx context.Context, n *model.Notification, event model.EventName, targets func(string) []*realtime.Connection, opts DeliveryOptions) model.DeliveryOutcome {
	start := time.Now()
	s.store.Push(n.UserID, n)

	outcome := model.DeliveryOutcome{NotificationID: n.ID, UserID: n.UserID}

	if s.registry.IsOnline(n.UserID) {
		if delivered, err := s.pushLive(n, event, targets(n.UserID)); err == nil {
			outcome.Method = model.DeliveryLive
			outcome.Connections = delivered
			if opts.PersistAlways && s.fallbackEnabled() {
				outcome.Persisted = s.persist(ctx, n)
			}
			s.monitor.RecordDelivery(outcome.Method, time.Since(start))
			return outcome
		}
	}

	if opts.PersistIfOffline && s.fallbackEnabled() {
		outcome.Method = model.DeliveryDurable
		outcome.Persisted = s.persist(ctx, n)
	} else {
		outcome.Method = model.DeliveryDropped
	}
	s.monitor.RecordDelivery(outcome.Method, time.Since(start))
	return outcome
}

// pushLive sends to every target connection. A connection that rejects the
// frame is stale and is unregistered.
func (s *Service) pushLive(n *model.Notification, event model.EventName, conns []*realtime.Connection) (int, error) {
	if len(conns) == 0 {
		return 0, errNoLiveConnection
	}
	env, err := model.NewEnvelope(event, n)
	if err != nil {
		s.log.Error(err, "failed to encode notification", "notification_id", n.ID)
		return 0, err
	}

	delivered := 0
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			s.registry.Unregister(c.SocketID)
			s.log.Warn("dropping stale connection",
				"socket_id", c.SocketID,
				"user_id", c.UserID,
				"error", err.Error(),
			)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return 0, errNoLiveConnection
	}
	return delivered, nil
}

// persist writes a durable copy. Failures are logged and swallowed.
func (s *Service) persist(ctx context.Context, n *model.Notification) bool {
	if _, err := s.persister.Persist(ctx, n); err != nil {
		s.log.Error(err, "durable fallback failed",
			"notification_id", n.ID,
			"user_id", n.UserID,
		)
		return false
	}
	return true
}

// ReadResult reports where a read was applied.
type ReadResult struct {
	NotificationID string `json:"notificationId"`
	// Source is "memory" or "durable".
	Source      string `json:"source"`
	AlreadyRead bool   `json:"alreadyRead"`
}

// MarkRead flips the read flag in memory, falling back to the durable store
// when the notification is no longer queued. Reading twice is not an error.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (ReadResult, error) {
	res := ReadResult{NotificationID: notificationID, Source: "memory"}

	switch s.store.MarkRead(userID, notificationID, s.now()) {
	case realtime.MarkAlreadyRead:
		res.AlreadyRead = true
		return res, nil
	case realtime.MarkApplied:
		if s.fallbackEnabled() {
			// a durable copy exists when the user was offline or for audit
			if _, err := s.persister.MarkRead(ctx, notificationID, userID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.log.Warn("failed to mark durable copy read", "notification_id", notificationID, "error", err.Error())
			}
		}
		return res, nil
	}

	if !s.fallbackEnabled() {
		return res, ErrNotificationNotFound
	}

	res.Source = "durable"
	if _, err := s.persister.MarkRead(ctx, notificationID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return res, ErrNotificationNotFound
		}
		return res, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return res, nil
}

// Unread returns the in-memory unread notifications, or the durable ones
// when memory holds none.
func (s *Service) Unread(ctx context.Context, userID string) ([]*model.Notification, error) {
	if unread := s.store.UnreadFor(userID); len(unread) > 0 {
		return unread, nil
	}
	if !s.fallbackEnabled() {
		return nil, nil
	}

	durable, err := s.persister.LoadUnread(ctx, userID, s.cfg.ReplayLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unread notifications: %w", err)
	}
	return durable, nil
}

// Status is the control surface summary.
type Status struct {
	Status                   string `json:"status"`
	ConnectedUsers           int    `json:"connectedUsers"`
	TotalConnections         int    `json:"totalConnections"`
	MaxConcurrentConnections int    `json:"maxConcurrentConnections"`
}

func (s *Service) Status() Status {
	users, conns := s.registry.Stats()
	return Status{
		Status:                   "ok",
		ConnectedUsers:           users,
		TotalConnections:         conns,
		MaxConcurrentConnections: s.cfg.MaxConcurrentConnections,
	}
}

// Stats combines the monitor snapshot with store and registry counts.
type Stats struct {
	Delivery        realtime.Snapshot `json:"delivery"`
	QueuedUsers     int               `json:"queuedUsers"`
	QueueCap        int               `json:"queueCap"`
	OnlineUsers     int               `json:"onlineUsers"`
	FallbackEnabled bool              `json:"fallbackEnabled"`
}

func (s *Service) Stats() Stats {
	_, queuedUsers := s.store.Count()
	users, _ := s.registry.Stats()
	return Stats{
		Delivery:        s.monitor.Snapshot(),
		QueuedUsers:     queuedUsers,
		QueueCap:        s.store.Cap(),
		OnlineUsers:     users,
		FallbackEnabled: s.fallbackEnabled(),
	}
}

func (s *Service) validate(in model.NewNotification) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, model.ErrUnknownKind)
	}
	if err := s.validator.Validate(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return nil
}

// validatePayload checks a notification whose recipients are resolved later.
func (s *Service) validatePayload(in model.NewNotification) error {
	in.UserID = "pending"
	return s.validate(in)
}
