package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
)

// Sender is the outbound half of a live connection. Send must not block on
// network I/O.
type Sender interface {
	Send(env model.Envelope) error
}

// Connection is an authenticated duplex session as the registry sees it.
// UserID and TeamID are fixed at registration.
type Connection struct {
	SocketID    string
	UserID      string
	TeamID      string
	ConnectedAt time.Time

	sender   Sender
	lastSeen atomic.Int64

	// guarded by Registry.mu
	teams map[string]struct{}
}

func NewConnection(socketID string, sender Sender) *Connection {
	c := &Connection{
		SocketID:    socketID,
		ConnectedAt: time.Now(),
		sender:      sender,
		teams:       make(map[string]struct{}),
	}
	c.lastSeen.Store(c.ConnectedAt.UnixNano())
	return c
}

func (c *Connection) Send(env model.Envelope) error {
	return c.sender.Send(env)
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

// Registry tracks which users have live connections and which team rooms
// those connections joined. A single lock guards everything; team lookups
// are a linear scan over connections, fine for a few thousand of them.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string][]*Connection
	bySocket map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string][]*Connection),
		bySocket: make(map[string]*Connection),
	}
}

// Register adds conn to userID's connections and joins teamID when set.
// Existing connections of the same user are kept.
func (r *Registry) Register(userID string, conn *Connection, teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySocket[conn.SocketID]; ok {
		r.unregisterLocked(conn.SocketID)
	}

	conn.UserID = userID
	conn.TeamID = teamID
	if conn.teams == nil {
		conn.teams = make(map[string]struct{})
	}
	if teamID != "" {
		conn.teams[teamID] = struct{}{}
	}

	r.byUser[userID] = append(r.byUser[userID], conn)
	r.bySocket[conn.SocketID] = conn
}

// Unregister removes exactly one connection. The user entry is dropped with
// its last connection.
func (r *Registry) Unregister(socketID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(socketID)
}

func (r *Registry) unregisterLocked(socketID string) (*Connection, bool) {
	conn, ok := r.bySocket[socketID]
	if !ok {
		return nil, false
	}
	delete(r.bySocket, socketID)

	conns := r.byUser[conn.UserID]
	for i, c := range conns {
		if c.SocketID == socketID {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, conn.UserID)
	} else {
		r.byUser[conn.UserID] = conns
	}
	return conn, true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsersInTeam returns the users with at least one connection in the
// team room, sorted.
func (r *Registry) OnlineUsersInTeam(teamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range r.bySocket {
		if _, ok := c.teams[teamID]; ok {
			seen[c.UserID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// OnlineUsers returns every user with a live connection, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ConnectionsFor returns a snapshot of the user's connections.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Connection(nil), r.byUser[userID]...)
}

// TeamConnectionsFor returns the user's connections that joined teamID.
func (r *Registry) TeamConnectionsFor(userID, teamID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, c := range r.byUser[userID] {
		if _, ok := c.teams[teamID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.bySocket))
	for _, c := range r.bySocket {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Get(socketID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bySocket[socketID]
	return c, ok
}

// JoinTeam adds a registered connection to a team room.
func (r *Registry) JoinTeam(socketID, teamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.bySocket[socketID]
	if !ok || teamID == "" {
		return false
	}
	c.teams[teamID] = struct{}{}
	return true
}

// LeaveTeam removes a connection from a team room.
func (r *Registry) LeaveTeam(socketID, teamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.bySocket[socketID]
	if !ok {
		return false
	}
	if _, in := c.teams[teamID]; !in {
		return false
	}
	delete(c.teams, teamID)
	return true
}

// Teams returns the rooms a connection belongs to, sorted.
func (r *Registry) Teams(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.bySocket[socketID]
	if !ok {
		return nil
	}
	return sortedKeys(c.teams)
}

// Touch records liveness for a connection.
func (r *Registry) Touch(socketID string, at time.Time) {
	r.mu.RLock()
	c, ok := r.bySocket[socketID]
	r.mu.RUnlock()
	if ok {
		c.touch(at)
	}
}

// Stats returns the number of online users and live connections.
func (r *Registry) Stats() (users, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.bySocket)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
