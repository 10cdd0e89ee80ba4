package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

// Start launches the background sweepers: idle cleanup, heartbeat and
// recovery retention. Each runs on its own ticker until Shutdown.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.every("cleanup", m.cfg.CleanupInterval, m.sweepIdle)
		m.every("heartbeat", m.cfg.HeartbeatInterval, m.sendHeartbeats)
		m.every("retention", m.cfg.RetentionSweepInterval, m.sweepRecords)
	})
}

func (m *Manager) every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		logger.L.Info("session sweeper disabled", zap.String("sweeper", name))
		return
	}
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.baseCtx.Done():
				logger.L.Debug("session sweeper stopped", zap.String("sweeper", name))
				return
			case <-ticker.C:
				fn(m.baseCtx)
			}
		}
	}()
}

// sweepIdle terminates suspended sessions whose last activity is older than
// the idle timeout. The grace timer normally gets there first; this catches
// sessions whose timer was lost.
func (m *Manager) sweepIdle(_ context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, s := range m.all() {
		s.mu.Lock()
		idle := s.state == StateDisconnectedGrace && now.Sub(s.lastActivity) > m.cfg.IdleTimeout
		s.mu.Unlock()
		if idle {
			m.TerminateSession(s.id, ReasonIdle)
		}
	}
}

// sendHeartbeats pushes a liveness ping to every active session. Delivery
// failures are logged; the read side of the socket decides when it is dead.
func (m *Manager) sendHeartbeats(_ context.Context) {
	now := time.Now()
	for _, s := range m.all() {
		s.mu.Lock()
		active := s.state == StateActive
		connID := s.connectionID
		s.mu.Unlock()
		if !active {
			continue
		}
		err := m.notifier.SendTo(connID, EventHeartbeat, map[string]any{
			"sessionId":  s.id,
			"serverTime": now,
		})
		if err != nil {
			logger.L.Debug("heartbeat not delivered", zap.String("session_id", s.id), zap.Error(err))
			continue
		}
		metrics.HeartbeatsSent.Inc()
	}
}

func (m *Manager) sweepRecords(ctx context.Context) {
	if m.cfg.RecoveryRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	removed, err := m.store.DeleteOlderThan(ctx, time.Now().Add(-m.cfg.RecoveryRetention))
	if err != nil {
		logger.L.Warn("recovery retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.RecoveryPruned.Add(float64(removed))
		logger.L.Info("pruned recovery records", zap.Int("removed", removed))
	}
}

// Shutdown stops the sweepers, waits for them to exit, then terminates every
// remaining session so each leaves a recovery record. It returns ctx.Err()
// if in-flight world syncs do not finish in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()

		m.cancel()
		m.loops.Wait()

		terminated := 0
		for _, s := range m.all() {
			if m.TerminateSession(s.id, ReasonShutdown) {
				terminated++
			}
		}
		logger.L.Info("session manager stopped", zap.Int("sessions_terminated", terminated))

		done := make(chan struct{})
		go func() {
			m.syncs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
