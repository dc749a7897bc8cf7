package realtime

import (
	"sync"
	"time"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/pkg/metrics"
)

// MonitorConfig tunes the memory estimate and the latency window.
type MonitorConfig struct {
	MaxMemoryMB          float64
	PreemptiveThreshold  float64
	BytesPerNotification int
	BytesPerConnection   int
	LatencyWindow        int
}

func (c *MonitorConfig) setDefaults() {
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 100
	}
	if c.PreemptiveThreshold <= 0 || c.PreemptiveThreshold > 1 {
		c.PreemptiveThreshold = 0.8
	}
	if c.BytesPerNotification <= 0 {
		c.BytesPerNotification = 1024
	}
	if c.BytesPerConnection <= 0 {
		c.BytesPerConnection = 2048
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 100
	}
}

// Snapshot is a point-in-time view of delivery counters and resource use.
type Snapshot struct {
	TotalSent           int64   `json:"totalSent"`
	LiveDeliveries      int64   `json:"liveDeliveries"`
	DurableFallbacks    int64   `json:"durableFallbacks"`
	Dropped             int64   `json:"dropped"`
	AvgLatencyMs        float64 `json:"avgLatencyMs"`
	MemoryMB            float64 `json:"memoryMb"`
	MaxMemoryMB         float64 `json:"maxMemoryMb"`
	ActiveConnections   int     `json:"activeConnections"`
	QueuedNotifications int     `json:"queuedNotifications"`
}

// Monitor counts delivery decisions and estimates memory use. Every call
// takes one short lock and never blocks on I/O.
type Monitor struct {
	cfg MonitorConfig
	m   *metrics.Metrics

	mu        sync.Mutex
	counts    map[model.DeliveryMethod]int64
	latencies []time.Duration
	next      int
	filled    bool
	memoryMB  float64
	conns     int
	queued    int
}

// NewMonitor builds a monitor. m may be nil.
func NewMonitor(cfg MonitorConfig, m *metrics.Metrics) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		cfg:       cfg,
		m:         m,
		counts:    make(map[model.DeliveryMethod]int64),
		latencies: make([]time.Duration, cfg.LatencyWindow),
	}
}

// RecordDelivery counts one delivery decision.
func (m *Monitor) RecordDelivery(method model.DeliveryMethod, latency time.Duration) {
	m.mu.Lock()
	m.counts[method]++
	m.latencies[m.next] = latency
	m.next = (m.next + 1) % len(m.latencies)
	if m.next == 0 {
		m.filled = true
	}
	m.mu.Unlock()

	if m.m != nil {
		m.m.NotificationsSent.WithLabelValues(string(method)).Inc()
		m.m.DeliveryLatency.Observe(latency.Seconds())
	}
}

// UpdateMemoryEstimate recomputes the estimate from the current number of
// queued notifications and live connections.
func (m *Monitor) UpdateMemoryEstimate(notifications, connections int) float64 {
	bytes := notifications*m.cfg.BytesPerNotification + connections*m.cfg.BytesPerConnection
	mb := float64(bytes) / (1024 * 1024)

	m.mu.Lock()
	m.memoryMB = mb
	m.conns = connections
	m.queued = notifications
	m.mu.Unlock()

	if m.m != nil {
		m.m.MemoryEstimateMB.Set(mb)
		m.m.ActiveConnections.Set(float64(connections))
		m.m.QueuedNotifications.Set(float64(notifications))
	}
	return mb
}

// SetOnlineUsers publishes the online user count.
func (m *Monitor) SetOnlineUsers(n int) {
	if m.m != nil {
		m.m.OnlineUsers.Set(float64(n))
	}
}

func (m *Monitor) IsOverLimit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryMB > m.cfg.MaxMemoryMB
}

// ShouldPreemptivelyCleanup reports whether the estimate reached the
// preemptive threshold of the budget.
func (m *Monitor) ShouldPreemptivelyCleanup() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryMB >= m.cfg.MaxMemoryMB*m.cfg.PreemptiveThreshold
}

// RecordEviction forwards evictions to the metrics backend.
func (m *Monitor) RecordEviction(reason string, n int) {
	if m.m != nil {
		m.m.Evictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.next
	if m.filled {
		size = len(m.latencies)
	}
	var sum time.Duration
	for _, d := range m.latencies[:size] {
		sum += d
	}
	var avg float64
	if size > 0 {
		avg = float64(sum) / float64(size) / float64(time.Millisecond)
	}

	live := m.counts[model.DeliveryLive]
	durable := m.counts[model.DeliveryDurable]
	dropped := m.counts[model.DeliveryDropped]
	return Snapshot{
		TotalSent:           live + durable + dropped,
		LiveDeliveries:      live,
		DurableFallbacks:    durable,
		Dropped:             dropped,
		AvgLatencyMs:        avg,
		MemoryMB:            m.memoryMB,
		MaxMemoryMB:         m.cfg.MaxMemoryMB,
		ActiveConnections:   m.conns,
		QueuedNotifications: m.queued,
	}
}
