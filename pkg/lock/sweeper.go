package lock

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often the expiry sweeper and deadlock detector
// run.
const DefaultSweepInterval = 10 * time.Second

// Sweeper reaps expired locks and runs deadlock detection on a periodic tick.
// Transient errors are logged and retried on the next tick; a bounded streak
// of consecutive failures escalates to an error-level log.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	maxFails int
	fails    int
}

// NewSweeper creates a sweeper over the manager. interval <= 0 selects the
// default.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: m, interval: interval, maxFails: 5}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep: expire dead locks, then look for deadlocks.
// Exposed so tests and operators can force a sweep.
func (s *Sweeper) Tick(ctx context.Context) {
	if err := s.sweepExpired(ctx); err != nil {
		s.fails++
		if s.fails >= s.maxFails {
			s.manager.logger.Error("sweeper failure streak", "consecutive", s.fails, "error", err)
		} else {
			s.manager.logger.Warn("sweep failed, will retry", "error", err)
		}
		return
	}
	s.fails = 0
	s.manager.detectDeadlocks(ctx)
}

func (s *Sweeper) sweepExpired(ctx context.Context) error {
	m := s.manager
	active, err := m.store.ActiveAll(ctx)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	for _, l := range active {
		var reason string
		switch {
		case l.ExpiredByTTL(now):
			reason = "auto_expired"
		case l.ExpiredByHeartbeat(now, m.grace):
			reason = "heartbeat_lost"
		default:
			continue
		}
		if err := m.release(ctx, l.ID, sweeperIdentity, reason, true); err != nil {
			m.logger.Warn("expired lock release failed", "lock_id", l.ID, "error", err)
			continue
		}
		m.logger.Info("expired lock reaped", "lock_id", l.ID, "branch", l.Branch, "reason", reason)
		if m.events != nil {
			m.events.LockExpired(ctx, l, reason)
		}
	}
	return nil
}
