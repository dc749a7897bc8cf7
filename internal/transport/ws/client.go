package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/realtime"
	"github.com/sociofly/notification-engine/internal/service/notification"
	"github.com/sociofly/notification-engine/pkg/auth"
)

var (
	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("websocket send buffer full")
	// ErrConnectionClosed is returned for sends on a finished connection.
	ErrConnectionClosed = errors.New("websocket connection closed")
)

// State is the per-connection lifecycle.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type client struct {
	id  string
	srv *Server
	ws  *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	state     atomic.Int32
	limiter   *rate.Limiter

	// set once on authentication, read only by the reader goroutine after
	identity auth.Identity
	token    string
}

func newClient(id string, srv *Server, conn *websocket.Conn) *client {
	return &client{
		id:      id,
		srv:     srv,
		ws:      conn,
		send:    make(chan []byte, srv.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.FrameRate), srv.cfg.FrameBurst),
	}
}

func (c *client) State() State {
	return State(c.state.Load())
}

func (c *client) setState(s State) {
	c.state.Store(int32(s))
}

// Send queues an envelope for the writer. It never blocks: a full buffer
// closes the connection.
func (c *client) Send(env model.Envelope) error {
	if c.State() == StateDisconnected {
		return ErrConnectionClosed
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.srv.log.Warn("closing slow websocket consumer", "socket_id", c.id, "user_id", c.identity.UserID)
		c.close()
		return ErrSlowConsumer
	}
}

func (c *client) emit(name model.EventName, v interface{}) {
	env, err := model.NewEnvelope(name, v)
	if err != nil {
		c.srv.log.Error(err, "failed to encode frame", "event", string(name))
		return
	}
	if err := c.Send(env); err != nil {
		c.srv.log.Debug("frame not sent", "event", string(name), "socket_id", c.id, "error", err.Error())
	}
}

// writeNow writes a frame synchronously, bypassing the queue.
func (c *client) writeNow(env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *client) writer() {
	for {
		select {
		case msg := <-c.send:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				c.srv.log.Debug("websocket write error", "socket_id", c.id, "error", err.Error())
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.cfg.WriteTimeout))
}

// extendDeadline allows heartbeat interval plus the connection timeout of
// silence before the read fails.
func (c *client) extendDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.HeartbeatInterval + c.srv.cfg.ConnectionTimeout))
}

func (c *client) reader(ctx context.Context) {
	defer c.close()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	// an unauthenticated connection gets the connection timeout only
	c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.ConnectionTimeout))
	c.ws.SetPongHandler(func(string) error {
		if c.State() == StateAuthenticated {
			c.extendDeadline()
			c.srv.registry.Touch(c.id, time.Now())
		}
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debug("websocket read error", "socket_id", c.id, "error", err.Error())
			}
			return
		}

		if c.State() == StateAuthenticated {
			c.extendDeadline()
			c.srv.registry.Touch(c.id, time.Now())
		}

		if !c.limiter.Allow() {
			c.srv.log.Warn("dropping frame over rate limit", "socket_id", c.id)
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.srv.log.Debug("ignoring malformed frame", "socket_id", c.id, "error", err.Error())
			continue
		}

		if !c.handle(ctx, env) {
			return
		}
	}
}

// handle dispatches one inbound frame. It returns false when the connection
// must close.
func (c *client) handle(ctx context.Context, env model.Envelope) bool {
	if env.Event == model.EventAuthenticate {
		return c.authenticate(ctx, env)
	}

	if c.State() != StateAuthenticated {
		c.emit(model.EventAuthError, model.AuthErrorPayload{Message: "not authenticated"})
		return true
	}

	switch env.Event {
	case model.EventNotificationRead:
		c.markRead(ctx, env)
	case model.EventJoinTeam:
		c.joinTeam(ctx, env)
	case model.EventLeaveTeam:
		var p model.TeamPayload
		if err := c.decode(env, &p); err != nil {
			return true
		}
		c.srv.registry.LeaveTeam(c.id, p.TeamID)
	case model.EventPing:
		c.emit(model.EventHeartbeat, model.HeartbeatPayload{Timestamp: time.Now().UTC()})
	default:
		c.srv.log.Debug("ignoring unknown event", "socket_id", c.id, "event", string(env.Event))
	}
	return true
}

func (c *client) decode(env model.Envelope, v interface{}) error {
	if err := env.Decode(v); err != nil {
		c.srv.log.Debug("invalid frame payload", "socket_id", c.id, "event", string(env.Event), "error", err.Error())
		return err
	}
	if err := c.srv.validator.Validate(v); err != nil {
		c.srv.log.Debug("invalid frame payload", "socket_id", c.id, "event", string(env.Event), "error", err.Error())
		return err
	}
	return nil
}

func (c *client) authenticate(ctx context.Context, env model.Envelope) bool {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticating)) {
		c.emit(model.EventAuthError, model.AuthErrorPayload{Message: "already authenticated"})
		return true
	}

	var p model.AuthenticatePayload
	if err := c.decode(env, &p); err != nil {
		return c.rejectAuth("invalid authentication payload")
	}

	identity, err := c.srv.verifier.Verify(ctx, auth.Claim{UserID: p.UserID, TeamID: p.TeamID, Token: p.Token})
	if err != nil {
		c.srv.log.Warn("authentication failed", "socket_id", c.id, "user_id", p.UserID, "error", err.Error())
		return c.rejectAuth("authentication failed")
	}

	c.identity = identity
	c.token = p.Token
	// close() may have run while Verify was in flight
	if !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAuthenticated)) {
		return false
	}
	c.srv.registry.Register(identity.UserID, realtime.NewConnection(c.id, c), identity.TeamID)
	select {
	case <-c.done:
		c.srv.registry.Unregister(c.id)
		return false
	default:
	}
	c.extendDeadline()

	c.emit(model.EventAuthenticated, model.AuthenticatedPayload{
		UserID:    identity.UserID,
		TeamID:    identity.TeamID,
		Timestamp: time.Now().UTC(),
	})
	c.srv.log.Info("websocket authenticated", "socket_id", c.id, "user_id", identity.UserID, "team_id", identity.TeamID)

	c.replay(ctx)
	return true
}

// rejectAuth sends auth_error ahead of closing.
func (c *client) rejectAuth(msg string) bool {
	if c.srv.metrics != nil {
		c.srv.metrics.AuthenticationFailure.Inc()
	}
	env, err := model.NewEnvelope(model.EventAuthError, model.AuthErrorPayload{Message: msg})
	if err == nil {
		if err := c.writeNow(env); err != nil {
			c.srv.log.Debug("auth_error not delivered", "socket_id", c.id, "error", err.Error())
		}
	}
	c.setState(StateDisconnected)
	return false
}

// replay pushes unread notifications to a freshly authenticated connection,
// oldest first so the client sees them in arrival order.
func (c *client) replay(ctx context.Context) {
	unread, err := c.srv.svc.Unread(ctx, c.identity.UserID)
	if err != nil {
		c.srv.log.Warn("failed to load unread notifications", "user_id", c.identity.UserID, "error", err.Error())
		return
	}
	for i := len(unread) - 1; i >= 0; i-- {
		c.emit(unread[i].DeliveryEvent(), unread[i])
	}
}

func (c *client) markRead(ctx context.Context, env model.Envelope) {
	var p model.NotificationReadPayload
	if err := c.decode(env, &p); err != nil {
		return
	}

	if _, err := c.srv.svc.MarkRead(ctx, c.identity.UserID, p.NotificationID); err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			c.srv.log.Debug("read for unknown notification", "user_id", c.identity.UserID, "notification_id", p.NotificationID)
		} else {
			c.srv.log.Warn("failed to mark notification read", "user_id", c.identity.UserID, "notification_id", p.NotificationID, "error", err.Error())
		}
		return
	}
	c.emit(model.EventNotificationReadAck, model.NotificationReadAckPayload{NotificationID: p.NotificationID})
}

func (c *client) joinTeam(ctx context.Context, env model.Envelope) {
	var p model.TeamPayload
	if err := c.decode(env, &p); err != nil {
		return
	}

	if _, err := c.srv.verifier.Verify(ctx, auth.Claim{UserID: c.identity.UserID, TeamID: p.TeamID, Token: c.token}); err != nil {
		c.srv.log.Warn("team join refused", "user_id", c.identity.UserID, "team_id", p.TeamID, "error", err.Error())
		return
	}
	c.srv.registry.JoinTeam(c.id, p.TeamID)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		c.ws.Close()
		c.srv.registry.Unregister(c.id)
		c.srv.remove(c.id)
	})
}
