package realtime

import (
	"math"
	"sync"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
)

// MarkResult distinguishes a first read from a repeated one.
type MarkResult int

const (
	MarkNotFound MarkResult = iota
	MarkApplied
	MarkAlreadyRead
)

// StoreConfig bounds the in-memory queues.
type StoreConfig struct {
	MaxPerUser int
	TTL        time.Duration
}

// Store keeps recent notifications per user, newest first. Queues never
// exceed the effective cap and expired entries are removed by SweepExpired.
type Store struct {
	mu     sync.Mutex
	queues map[string][]*model.Notification
	max    int
	cap    int
	ttl    time.Duration

	onEvict func(reason string, n int)
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Store{
		queues: make(map[string][]*model.Notification),
		max:    cfg.MaxPerUser,
		cap:    cfg.MaxPerUser,
		ttl:    cfg.TTL,
	}
}

// OnEvict registers a callback invoked with the eviction reason ("cap",
// "expired" or "trim") and the number of entries removed.
func (s *Store) OnEvict(fn func(reason string, n int)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Push stores a copy of n at the head of the user's queue and returns the
// number of entries evicted to honor the cap.
func (s *Store) Push(userID string, n *model.Notification) int {
	c := n.Clone()
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	q := s.queues[userID]
	q = append(q, nil)
	copy(q[1:], q)
	q[0] = c

	evicted := 0
	if len(q) > s.cap {
		evicted = len(q) - s.cap
		clear(q[s.cap:])
		q = q[:s.cap]
	}
	s.queues[userID] = q
	fn := s.onEvict
	s.mu.Unlock()

	if evicted > 0 && fn != nil {
		fn("cap", evicted)
	}
	return evicted
}

// MarkRead flips the read flag of one queued notification.
func (s *Store) MarkRead(userID, notificationID string, at time.Time) MarkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.queues[userID] {
		if n.ID != notificationID {
			continue
		}
		if n.MarkRead(at) {
			return MarkApplied
		}
		return MarkAlreadyRead
	}
	return MarkNotFound
}

// UnreadFor returns copies of the user's unread notifications, newest first.
func (s *Store) UnreadFor(userID string) []*model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Notification
	for _, n := range s.queues[userID] {
		if !n.Read {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Len reports the queue length for one user.
func (s *Store) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[userID])
}

// SweepExpired drops every entry whose expiry is not after now, removing
// users whose queue empties. It returns the number removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	removed := 0
	for user, q := range s.queues {
		kept := q[:0]
		for _, n := range q {
			if now.Before(n.ExpiresAt) {
				kept = append(kept, n)
			} else {
				removed++
			}
		}
		clear(q[len(kept):])
		if len(kept) == 0 {
			delete(s.queues, user)
		} else {
			s.queues[user] = kept
		}
	}
	fn := s.onEvict
	s.mu.Unlock()

	if removed > 0 && fn != nil {
		fn("expired", removed)
	}
	return removed
}

// AggressiveTrim lowers the effective cap to floor(max*fraction), never below
// one, and truncates every queue to it. The lowered cap also applies to later
// pushes until RelaxCap.
func (s *Store) AggressiveTrim(fraction float64) int {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	limit := int(math.Floor(float64(s.max) * fraction))
	if limit < 1 {
		limit = 1
	}

	s.mu.Lock()
	s.cap = limit
	removed := 0
	for user, q := range s.queues {
		if len(q) > limit {
			removed += len(q) - limit
			clear(q[limit:])
			s.queues[user] = q[:limit]
		}
	}
	fn := s.onEvict
	s.mu.Unlock()

	if removed > 0 && fn != nil {
		fn("trim", removed)
	}
	return removed
}

// RelaxCap restores the configured cap. It reports whether a trim was active.
func (s *Store) RelaxCap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == s.max {
		return false
	}
	s.cap = s.max
	return true
}

// Cap returns the effective per-user cap.
func (s *Store) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap
}

// Count returns the total number of queued notifications and the number of
// users holding at least one.
func (s *Store) Count() (notifications, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		notifications += len(q)
	}
	return notifications, len(s.queues)
}
