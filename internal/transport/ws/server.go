package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/realtime"
	"github.com/sociofly/notification-engine/internal/service/notification"
	"github.com/sociofly/notification-engine/pkg/auth"
	"github.com/sociofly/notification-engine/pkg/logger"
	"github.com/sociofly/notification-engine/pkg/metrics"
	"github.com/sociofly/notification-engine/pkg/validator"
	"github.com/sociofly/notification-engine/pkg/worker"
)

type Config struct {
	HeartbeatInterval        time.Duration
	ConnectionTimeout        time.Duration
	WriteTimeout             time.Duration
	MaxConcurrentConnections int
	SendBuffer               int
	MaxMessageBytes          int64
	// inbound frames per second per connection
	FrameRate  float64
	FrameBurst int
	// nil accepts every origin
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 40
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Server accepts duplex connections and drives each through
// connected, authenticated and disconnected.
type Server struct {
	cfg       Config
	svc       notification.Servicer
	registry  *realtime.Registry
	verifier  auth.Verifier
	validator validator.Validator
	log       *logger.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config, svc notification.Servicer, registry *realtime.Registry, verifier auth.Verifier, v validator.Validator, log *logger.Logger, m *metrics.Metrics) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:       cfg,
		svc:       svc,
		registry:  registry,
		verifier:  verifier,
		validator: v,
		log:       log,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clients: make(map[string]*client),
	}
}

// Handler mounts the server on a gin route.
func (s *Server) Handler() gin.HandlerFunc {
	return gin.WrapH(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.log.Debug("websocket upgrade failed", "error", err.Error())
		return
	}

	c := newClient(uuid.NewString(), s, conn)
	if !s.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	s.log.Debug("websocket connected", "socket_id", c.id, "remote_addr", r.RemoteAddr)

	defer s.wg.Done()
	go c.writer()
	c.reader(r.Context())
	s.log.Debug("websocket disconnected", "socket_id", c.id, "user_id", c.identity.UserID)
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.wg.Add(1)

	// capacity is advisory: log and keep accepting
	if limit := s.cfg.MaxConcurrentConnections; limit > 0 && len(s.clients) > limit {
		s.log.Warn("connection count above configured capacity", "connections", len(s.clients), "max", limit)
	}
	return true
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Server) client(id string) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

func (s *Server) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of open sockets, authenticated or not.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Heartbeat sends a heartbeat frame and a protocol ping to every registered
// connection. Registered connections whose socket is already gone are
// unregistered.
func (s *Server) Heartbeat(_ context.Context) error {
	env, err := model.NewEnvelope(model.EventHeartbeat, model.HeartbeatPayload{Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	sent := 0
	for _, conn := range s.registry.Connections() {
		if err := conn.Send(env); err != nil {
			s.registry.Unregister(conn.SocketID)
			s.log.Debug("unregistered dead connection", "socket_id", conn.SocketID, "user_id", conn.UserID, "error", err.Error())
			continue
		}
		c, ok := s.client(conn.SocketID)
		if !ok {
			continue
		}
		if err := c.ping(); err != nil {
			s.log.Debug("ping failed", "socket_id", c.id, "error", err.Error())
			c.close()
			continue
		}
		sent++
	}
	s.log.Debug("heartbeat sent", "connections", sent)
	return nil
}

func (s *Server) HeartbeatJob() worker.Job {
	return worker.Job{Name: "heartbeat", Interval: s.cfg.HeartbeatInterval, Run: s.Heartbeat}
}

// Shutdown refuses new connections, sends a going-away close frame to every
// open socket and waits for the connection goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range s.snapshot() {
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
