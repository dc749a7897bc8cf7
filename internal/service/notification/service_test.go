package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/realtime"
	"github.com/sociofly/notification-engine/internal/repository"
)

type fakePersister struct {
	mu        sync.Mutex
	persisted []*model.Notification
	reads     []string
	unread    map[string][]*model.Notification
	err       error
	readErr   error
}

func (f *fakePersister) Persist(_ context.Context, n *model.Notification) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.persisted = append(f.persisted, n.Clone())
	return n.Clone(), nil
}

func (f *fakePersister) LoadUnread(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	list := f.unread[userID]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (f *fakePersister) MarkRead(_ context.Context, notificationID, userID string) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, notificationID)
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &model.Notification{ID: notificationID, UserID: userID, Read: true}, nil
}

func (f *fakePersister) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persisted)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []model.Envelope
	err  error
}

func (s *fakeSender) Send(env model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) events() []model.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Envelope(nil), s.sent...)
}

type fixture struct {
	svc       *Service
	registry  *realtime.Registry
	store     *realtime.Store
	monitor   *realtime.Monitor
	persister *fakePersister
}

func newFixture(t *testing.T, mutate ...func(*Config, *realtime.StoreConfig, *realtime.MonitorConfig)) *fixture {
	t.Helper()
	cfg := Config{EnableDurableFallback: true, AggressiveTrimFraction: 0.5, MaxConcurrentConnections: 1000}
	storeCfg := realtime.StoreConfig{MaxPerUser: 50, TTL: 24 * time.Hour}
	monCfg := realtime.MonitorConfig{MaxMemoryMB: 100}
	for _, m := range mutate {
		m(&cfg, &storeCfg, &monCfg)
	}

	f := &fixture{
		registry:  realtime.NewRegistry(),
		store:     realtime.NewStore(storeCfg),
		monitor:   realtime.NewMonitor(monCfg, nil),
		persister: &fakePersister{unread: map[string][]*model.Notification{}},
	}
	f.svc = NewService(cfg, f.registry, f.store, f.monitor, f.persister, nil, nil)
	return f
}

func (f *fixture) connect(userID, socketID, teamID string) *fakeSender {
	s := &fakeSender{}
	f.registry.Register(userID, realtime.NewConnection(socketID, s), teamID)
	return s
}

func newNotification(userID string) model.NewNotification {
	return model.NewNotification{
		UserID:  userID,
		Kind:    model.KindPostPublished,
		Title:   "Published",
		Message: "Your post is live",
		Data:    model.Data{PostID: "p1", Platform: "twitter", Link: "/posts/p1"},
	}
}

func TestSendOfflinePersistsOnceWithReturnedID(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryDurable, out.Method)
	assert.True(t, out.Persisted)
	require.Len(t, f.persister.persisted, 1)
	assert.Equal(t, out.NotificationID, f.persister.persisted[0].ID)

	// always queued in memory too
	unread := f.store.UnreadFor("u1")
	require.Len(t, unread, 1)
	assert.Equal(t, out.NotificationID, unread[0].ID)
}

func TestSendOnlineNeverPersistsWithoutAuditFlag(t *testing.T) {
	f := newFixture(t)
	tab1 := f.connect("u1", "s1", "")
	tab2 := f.connect("u1", "s2", "")

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryLive, out.Method)
	assert.Equal(t, 2, out.Connections)
	assert.False(t, out.Persisted)
	assert.Zero(t, f.persister.persistCount())

	for _, tab := range []*fakeSender{tab1, tab2} {
		events := tab.events()
		require.Len(t, events, 1)
		assert.Equal(t, model.EventNotification, events[0].Event)

		var n model.Notification
		require.NoError(t, json.Unmarshal(events[0].Data, &n))
		assert.Equal(t, out.NotificationID, n.ID)
	}
}

func TestSendOnlineWithAuditFlagPersists(t *testing.T) {
	f := newFixture(t)
	f.connect("u1", "s1", "")

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistAlways: true})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryLive, out.Method)
	assert.True(t, out.Persisted)
	assert.Equal(t, 1, f.persister.persistCount())
}

func TestSendOfflineWithoutPersistIsDropped(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryDropped, out.Method)
	assert.Zero(t, f.persister.persistCount())
	assert.Len(t, f.store.UnreadFor("u1"), 1, "still recoverable from memory")
}

func TestSendWithFallbackDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *realtime.StoreConfig, _ *realtime.MonitorConfig) {
		c.EnableDurableFallback = false
	})

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true, PersistAlways: true})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDropped, out.Method)
	assert.Zero(t, f.persister.persistCount())
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.persister.err = errors.New("database is down")

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDurable, out.Method)
	assert.False(t, out.Persisted)
	assert.Len(t, f.store.UnreadFor("u1"), 1)
}

func TestStaleConnectionIsUnregisteredAndFallsBack(t *testing.T) {
	f := newFixture(t)
	dead := f.connect("u1", "s1", "")
	dead.err = errors.New("connection closed")

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryDurable, out.Method)
	assert.False(t, f.registry.IsOnline("u1"))
	assert.Equal(t, 1, f.persister.persistCount())
}

func TestPartialLiveFailureStillCountsAsLive(t *testing.T) {
	f := newFixture(t)
	dead := f.connect("u1", "s1", "")
	dead.err = errors.New("send buffer full")
	alive := f.connect("u1", "s2", "")

	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{PersistIfOffline: true})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryLive, out.Method)
	assert.Equal(t, 1, out.Connections)
	assert.Len(t, alive.events(), 1)
	assert.Len(t, f.registry.ConnectionsFor("u1"), 1)
	assert.Zero(t, f.persister.persistCount())
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	bad := newNotification("u1")
	bad.Kind = "NEWSLETTER"
	_, err := f.svc.Send(context.Background(), bad, DeliveryOptions{})
	assert.ErrorIs(t, err, ErrInvalidNotification)

	missingTitle := newNotification("u1")
	missingTitle.Title = ""
	_, err = f.svc.Send(context.Background(), missingTitle, DeliveryOptions{})
	assert.ErrorIs(t, err, ErrInvalidNotification)
	assert.Contains(t, err.Error(), "title is required")

	total, _ := f.store.Count()
	assert.Zero(t, total)
}

func TestSendBulkRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	bad := newNotification("")

	_, err := f.svc.SendBulk(context.Background(), []model.NewNotification{newNotification("u1"), bad}, DeliveryOptions{})
	assert.ErrorIs(t, err, ErrInvalidNotification)
	assert.Zero(t, f.store.Len("u1"))

	out, err := f.svc.SendBulk(context.Background(), []model.NewNotification{newNotification("u1"), newNotification("u2")}, DeliveryOptions{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].NotificationID, out[1].NotificationID)
}

func TestTeamNotificationReachesOnlyTeamRoom(t *testing.T) {
	f := newFixture(t)
	member := f.connect("team-42-member", "s1", "team-42")
	outsider := f.connect("outsider", "s2", "")
	// same member on a second tab that never joined the room
	otherTab := f.connect("team-42-member", "s3", "")

	out, err := f.svc.SendTeamNotification(context.Background(), "team-42", model.NewNotification{
		Kind:    model.KindApprovalRequired,
		Title:   "Approval needed",
		Message: "A post awaits review",
	}, DeliveryOptions{})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "team-42-member", out[0].UserID)
	assert.Equal(t, model.DeliveryLive, out[0].Method)

	events := member.events()
	require.Len(t, events, 1)
	var n model.Notification
	require.NoError(t, json.Unmarshal(events[0].Data, &n))
	assert.Equal(t, "team-42", n.TeamID)
	assert.Equal(t, "team-42", n.Data.TeamID)

	assert.Empty(t, outsider.events())
	assert.Empty(t, otherTab.events())
}

func TestTeamNotificationGivesEachMemberOwnID(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "s1", "t1")
	f.connect("b", "s2", "t1")

	out, err := f.svc.SendTeamNotification(context.Background(), "t1", newNotification(""), DeliveryOptions{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].NotificationID, out[1].NotificationID)

	_, err = f.svc.SendTeamNotification(context.Background(), "", newNotification(""), DeliveryOptions{})
	assert.ErrorIs(t, err, ErrInvalidNotification)
}

func TestSystemNotificationBroadcastsWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a", "s1", "")
	b := f.connect("b", "s2", "t1")

	out, err := f.svc.SendSystemNotification(context.Background(), model.NewNotification{
		Kind:    model.KindSystemAlert,
		Title:   "Maintenance",
		Message: "Scheduled downtime at 02:00 UTC",
		Data:    model.Data{Severity: "warning"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, s := range []*fakeSender{a, b} {
		events := s.events()
		require.Len(t, events, 1)
		assert.Equal(t, model.EventSystemNotification, events[0].Event)
	}
	assert.Zero(t, f.persister.persistCount())
}

func TestSubmitRoutesByTarget(t *testing.T) {
	f := newFixture(t)
	f.connect("u1", "s1", "t1")
	no := false

	payload := model.NotificationPayload{Kind: model.KindPostScheduled, Title: "Scheduled", Message: "Tomorrow 9am"}

	out, err := f.svc.Submit(context.Background(), model.NotifyRequest{
		Type: model.TargetUser, UserIDs: []string{"u1", "u2"}, PersistIfOffline: &no, Notification: payload,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, model.DeliveryLive, out[0].Method)
	assert.Equal(t, model.DeliveryDropped, out[1].Method)

	out, err = f.svc.Submit(context.Background(), model.NotifyRequest{
		Type: model.TargetUser, UserID: "u3", Notification: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDurable, out[0].Method, "persistIfOffline defaults to true")

	out, err = f.svc.Submit(context.Background(), model.NotifyRequest{Type: model.TargetTeam, TeamID: "t1", Notification: payload})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = f.svc.Submit(context.Background(), model.NotifyRequest{Type: model.TargetSystem, Notification: payload})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = f.svc.Submit(context.Background(), model.NotifyRequest{Type: model.TargetTeam, Notification: payload})
	assert.ErrorIs(t, err, ErrInvalidNotification)
}

func TestOrderIsNewestFirstPerUser(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)
	b, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)

	unread, err := f.svc.Unread(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, b.NotificationID, unread[0].ID)
	assert.Equal(t, a.NotificationID, unread[1].ID)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)

	res, err := f.svc.MarkRead(context.Background(), "u1", out.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Source)
	assert.False(t, res.AlreadyRead)

	res, err = f.svc.MarkRead(context.Background(), "u1", out.NotificationID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRead)

	unread, err := f.svc.Unread(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestMarkReadFallsBackToDurableStore(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.MarkRead(context.Background(), "u1", "durable-only")
	require.NoError(t, err)
	assert.Equal(t, "durable", res.Source)
	assert.Equal(t, []string{"durable-only"}, f.persister.reads)

	f.persister.readErr = fmt.Errorf("mark_read: %w", repository.ErrNotFound)
	_, err = f.svc.MarkRead(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	f.persister.readErr = errors.New("timeout")
	_, err = f.svc.MarkRead(context.Background(), "u1", "flaky")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotificationNotFound)
}

func TestMarkReadWithoutFallback(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *realtime.StoreConfig, _ *realtime.MonitorConfig) {
		c.EnableDurableFallback = false
	})
	_, err := f.svc.MarkRead(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	assert.Empty(t, f.persister.reads)
}

func TestUnreadFallsBackToDurableWhenMemoryEmpty(t *testing.T) {
	f := newFixture(t)
	f.persister.unread["u1"] = []*model.Notification{{ID: "d1", UserID: "u1"}}

	unread, err := f.svc.Unread(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "d1", unread[0].ID)

	_, err = f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)
	unread, err = f.svc.Unread(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.NotEqual(t, "d1", unread[0].ID, "memory wins when it has anything")
}

func TestSweepTrimsAboveMemoryThreshold(t *testing.T) {
	// 50KB budget: 50 queued notifications at 1KB each cross 80%
	f := newFixture(t, func(_ *Config, s *realtime.StoreConfig, m *realtime.MonitorConfig) {
		m.MaxMemoryMB = 50.0 / 1024
	})
	for i := 0; i < 60; i++ {
		_, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 50, f.store.Len("u1"))

	require.NoError(t, f.svc.Sweep(context.Background()))
	assert.LessOrEqual(t, f.store.Len("u1"), 25)
	assert.Equal(t, 25, f.store.Cap())

	// back under the threshold, the next tick restores the cap
	require.NoError(t, f.svc.Sweep(context.Background()))
	assert.Equal(t, 50, f.store.Cap())
}

func TestSweepRemovesExpired(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now.Add(-25 * time.Hour) }
	_, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)
	require.Len(t, f.store.UnreadFor("u1"), 1)

	f.svc.now = func() time.Time { return now }
	require.NoError(t, f.svc.Sweep(context.Background()))
	assert.Empty(t, f.store.UnreadFor("u1"))
}

func TestStatusAndStats(t *testing.T) {
	f := newFixture(t)
	f.connect("u1", "s1", "")
	f.connect("u1", "s2", "")
	f.connect("u2", "s3", "")

	_, err := f.svc.Send(context.Background(), newNotification("u1"), DeliveryOptions{})
	require.NoError(t, err)

	st := f.svc.Status()
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, 2, st.ConnectedUsers)
	assert.Equal(t, 3, st.TotalConnections)

	stats := f.svc.Stats()
	assert.Equal(t, int64(1), stats.Delivery.LiveDeliveries)
	assert.Equal(t, 1, stats.QueuedUsers)
	assert.True(t, stats.FallbackEnabled)
	assert.NoError(t, f.svc.LogMetrics(context.Background()))
}

func TestJobs(t *testing.T) {
	f := newFixture(t)
	jobs := f.svc.Jobs(time.Minute, 5*time.Minute)
	require.Len(t, jobs, 2)
	assert.Equal(t, "sweep", jobs[0].Name)
	assert.Equal(t, 5*time.Minute, jobs[1].Interval)
}
