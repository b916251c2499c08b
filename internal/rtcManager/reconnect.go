package rtcManager

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

func (m *Manager) onTransportState(ts TransportState) {
	m.lock()
	defer m.unlock()

	s := m.session
	if s.state.Terminal() {
		return
	}
	m.logger.Debug("Transport state", zap.Stringer("transport", ts), zap.Stringer("state", s.state))

	switch ts {
	case TransportConnected:
		m.transportUpLocked()
	case TransportDisconnected, TransportFailed:
		m.transportDownLocked(ts)
	}
}

func (m *Manager) transportUpLocked() {
	s := m.session
	if s.state != StateNegotiating && s.state != StateReconnecting {
		return
	}
	recovered := s.state == StateReconnecting
	if err := m.transitionLocked(StateConnected); err != nil {
		return
	}
	if s.connectedAt.IsZero() {
		s.connectedAt = m.sched.Now()
	}

	m.cancelReconnectLocked()
	s.reconnectAttempt = 0
	m.bo.Reset()

	m.monitor.Start()
	m.startDurationLocked()

	if recovered {
		m.notify(notification.LevelInfo, callerr.Connection, "Connection restored")
	}
}

// transportDownLocked counts a consecutive failure and schedules the next
// restart, or gives up once the policy is exhausted. Reports that arrive
// while a restart is already scheduled belong to the same failure.
func (m *Manager) transportDownLocked(ts TransportState) {
	s := m.session
	switch s.state {
	case StateConnected:
		if err := m.transitionLocked(StateReconnecting); err != nil {
			return
		}
	case StateNegotiating, StateReconnecting:
	default:
		return
	}
	if m.reconnectTimer != nil {
		m.logger.Debug("Restart already scheduled", zap.Stringer("transport", ts))
		return
	}
	m.stopRestartDeadlineLocked()

	s.reconnectAttempt++
	delay := m.bo.NextBackOff()
	if delay == backoff.Stop {
		m.failLocked(callerr.New(callerr.Connection, "reconnect",
			fmt.Errorf("%w after %d failures", callerr.ErrRetriesExhausted, s.reconnectAttempt)))
		return
	}
	m.metrics.RecordReconnectAttempt(string(m.role))

	m.reconnectGen++
	gen := m.reconnectGen
	m.reconnectTimer = m.sched.AfterFunc(delay, func() { m.restart(gen) })

	m.logger.Warn("Transport lost, scheduling restart",
		zap.Stringer("transport", ts),
		zap.Int("attempt", s.reconnectAttempt),
		zap.Duration("delay", delay))
	m.notify(notification.LevelInfo, callerr.Connection,
		fmt.Sprintf("Connection lost, reconnecting in %s (attempt %d of %d)",
			delay.Round(time.Millisecond), s.reconnectAttempt, m.retry.MaxAttempts))
}

// restart runs one reconnection cycle. Both roles arm a deadline for the
// cycle; only the investigator sends the ICE restart offer. An offer the
// peer never answered is dropped in favour of the new one.
func (m *Manager) restart(gen uint64) {
	m.lock()
	defer m.unlock()

	if gen != m.reconnectGen {
		return
	}
	m.reconnectTimer = nil

	s := m.session
	if s.state != StateReconnecting && s.state != StateNegotiating {
		return
	}
	m.restartDeadline = m.sched.AfterFunc(m.retry.AttemptTimeout, func() { m.restartExpired(gen) })

	if m.role != signaling.RoleInvestigator {
		m.logger.Info("Waiting for the investigator to restart ICE", zap.Int("attempt", s.reconnectAttempt))
		return
	}
	if !s.remoteJoined {
		return
	}
	if m.negotiating {
		m.logger.Info("Dropping unanswered offer for ICE restart")
		m.negotiating, m.restartPending, m.needsRenegotiation = false, false, false
	}
	if err := m.sendOfferLocked(true); err != nil {
		m.logger.Warn("ICE restart failed", zap.Error(err))
		m.notifyErr(notification.LevelWarning, err)
	}
}

// restartExpired counts a cycle that never reached Connected as the next
// transport failure.
func (m *Manager) restartExpired(gen uint64) {
	m.lock()
	defer m.unlock()

	if gen != m.reconnectGen || m.restartDeadline == nil {
		return
	}
	m.restartDeadline = nil

	s := m.session
	if s.state != StateReconnecting && s.state != StateNegotiating {
		return
	}
	m.logger.Warn("Restart did not reconnect in time",
		zap.Int("attempt", s.reconnectAttempt),
		zap.Duration("timeout", m.retry.AttemptTimeout))
	m.transportDownLocked(TransportFailed)
}

func (m *Manager) stopRestartDeadlineLocked() {
	if m.restartDeadline != nil {
		m.restartDeadline.Stop()
		m.restartDeadline = nil
	}
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopRestartDeadlineLocked()
}
