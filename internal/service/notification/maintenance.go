package notification

import (
	"context"
	"time"

	"github.com/sociofly/notification-engine/pkg/worker"
)

// Sweep is the periodic maintenance tick: refresh the memory estimate, trim
// aggressively above the preemptive threshold (or lift a previous trim once
// back under it), then drop expired notifications.
func (s *Service) Sweep(_ context.Context) error {
	s.refreshEstimate()

	if s.monitor.ShouldPreemptivelyCleanup() {
		removed := s.store.AggressiveTrim(s.cfg.AggressiveTrimFraction)
		s.log.Warn("memory threshold reached, trimming queues",
			"removed", removed,
			"cap", s.store.Cap(),
			"memory_mb", s.monitor.Snapshot().MemoryMB,
		)
	} else if s.store.RelaxCap() {
		s.log.Info("memory back under threshold, queue cap restored", "cap", s.store.Cap())
	}

	if expired := s.store.SweepExpired(s.now()); expired > 0 {
		s.log.Debug("expired notifications swept", "removed", expired)
	}

	s.refreshEstimate()
	if s.monitor.IsOverLimit() {
		s.log.Warn("memory estimate over budget after sweep", "memory_mb", s.monitor.Snapshot().MemoryMB)
	}
	return nil
}

func (s *Service) refreshEstimate() {
	notifications, _ := s.store.Count()
	users, conns := s.registry.Stats()
	s.monitor.UpdateMemoryEstimate(notifications, conns)
	s.monitor.SetOnlineUsers(users)
}

// LogMetrics writes the current snapshot to the log.
func (s *Service) LogMetrics(_ context.Context) error {
	st := s.Stats()
	s.log.Info("delivery metrics",
		"total_sent", st.Delivery.TotalSent,
		"live", st.Delivery.LiveDeliveries,
		"durable", st.Delivery.DurableFallbacks,
		"dropped", st.Delivery.Dropped,
		"avg_latency_ms", st.Delivery.AvgLatencyMs,
		"memory_mb", st.Delivery.MemoryMB,
		"connections", st.Delivery.ActiveConnections,
		"online_users", st.OnlineUsers,
		"queue_cap", st.QueueCap,
	)
	return nil
}

// Jobs returns the service's background tasks for a worker.Runner.
func (s *Service) Jobs(cleanupInterval, metricsInterval time.Duration) []worker.Job {
	return []worker.Job{
		{Name: "sweep", Interval: cleanupInterval, Run: s.Sweep},
		{Name: "metrics-log", Interval: metricsInterval, Run: s.LogMetrics},
	}
}
