package rtcManager

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

// The investigator is the only offerer. The supervisor answers and, if it
// joined first, re-announces itself once so the investigator learns it is
// there.

func (m *Manager) handleJoinLocked(msg signaling.Message) {
	if msg.Role == m.role {
		m.logger.Warn("Ignoring join from a participant with our role")
		return
	}
	s := m.session
	s.remoteJoined = true
	m.logger.Info("Peer joined", zap.String("peerRole", string(msg.Role)))

	if s.state != StateNegotiating {
		return
	}
	switch m.role {
	case signaling.RoleInvestigator:
		if s.offerSent || m.negotiating {
			return
		}
		if err := m.sendOfferLocked(false); err != nil {
			m.failLocked(err)
		}
	case signaling.RoleSupervisor:
		if s.remoteDescriptionSet || s.reannounced {
			return
		}
		s.reannounced = true
		m.emitLocked(signaling.Message{Type: signaling.TypeJoinCall, Role: m.role})
	}
}

func (m *Manager) onNegotiationNeeded() {
	m.lock()
	defer m.unlock()

	if m.role != signaling.RoleInvestigator {
		return
	}
	s := m.session
	switch s.state {
	case StateNegotiating, StateConnected, StateReconnecting:
	default:
		return
	}
	if !s.remoteJoined {
		return
	}
	if err := m.sendOfferLocked(false); err != nil {
		m.negotiationFailedLocked(err)
	}
}

// sendOfferLocked creates and sends an offer. While an offer is
// outstanding the request is remembered and replayed after the answer.
func (m *Manager) sendOfferLocked(iceRestart bool) error {
	if m.role != signaling.RoleInvestigator {
		return nil
	}
	if m.negotiating {
		if iceRestart {
			m.restartPending = true
		} else {
			m.needsRenegotiation = true
		}
		return nil
	}

	offer, err := m.peer.CreateOffer(iceRestart)
	if err != nil {
		return callerr.New(callerr.Negotiation, "create offer", err)
	}
	if err := m.peer.SetLocalDescription(offer); err != nil {
		return callerr.New(callerr.Negotiation, "set local offer", err)
	}
	m.negotiating = true
	m.session.offerSent = true
	m.logger.Info("Sending offer", zap.Bool("iceRestart", iceRestart))
	m.emitLocked(signaling.Message{Type: signaling.TypeVideoOffer, SDP: &offer})
	return nil
}

func (m *Manager) handleOfferLocked(msg signaling.Message) {
	if m.role == signaling.RoleInvestigator {
		err := callerr.Newf(callerr.Negotiation, "offer", "offer collision: investigator received an offer")
		m.logger.Warn("Ignoring offer", zap.Error(err))
		m.notifyErr(notification.LevelError, err)
		return
	}
	s := m.session
	if s.state == StateIdle || s.state == StateInitializing {
		err := callerr.New(callerr.Signaling, "offer", fmt.Errorf("%w: offer before local setup", callerr.ErrOutOfOrder))
		m.logger.Warn("Ignoring offer", zap.Error(err))
		m.notifyErr(notification.LevelWarning, err)
		return
	}

	if err := validateDescription(*msg.SDP, webrtc.SDPTypeOffer); err != nil {
		m.negotiationFailedLocked(err)
		return
	}
	if err := m.applyRemoteLocked(*msg.SDP); err != nil {
		m.negotiationFailedLocked(err)
		return
	}

	answer, err := m.peer.CreateAnswer()
	if err != nil {
		m.negotiationFailedLocked(callerr.New(callerr.Negotiation, "create answer", err))
		return
	}
	if err := m.peer.SetLocalDescription(answer); err != nil {
		m.negotiationFailedLocked(callerr.New(callerr.Negotiation, "set local answer", err))
		return
	}
	m.logger.Info("Sending answer")
	m.emitLocked(signaling.Message{Type: signaling.TypeVideoAnswer, SDP: &answer})
}

func (m *Manager) handleAnswerLocked(msg signaling.Message) {
	if m.role != signaling.RoleInvestigator || !m.negotiating {
		err := callerr.New(callerr.Signaling, "answer", fmt.Errorf("%w: no offer outstanding", callerr.ErrOutOfOrder))
		m.logger.Warn("Ignoring answer", zap.Error(err))
		m.notifyErr(notification.LevelWarning, err)
		return
	}

	if err := validateDescription(*msg.SDP, webrtc.SDPTypeAnswer); err != nil {
		m.negotiating = false
		m.negotiationFailedLocked(err)
		return
	}
	if err := m.applyRemoteLocked(*msg.SDP); err != nil {
		m.negotiating = false
		m.negotiationFailedLocked(err)
		return
	}
	m.negotiating = false

	switch {
	case m.restartPending:
		m.restartPending, m.needsRenegotiation = false, false
		if err := m.sendOfferLocked(true); err != nil {
			m.negotiationFailedLocked(err)
		}
	case m.needsRenegotiation:
		m.needsRenegotiation = false
		if err := m.sendOfferLocked(false); err != nil {
			m.negotiationFailedLocked(err)
		}
	}
}

// negotiationFailedLocked fails a session that never connected. Once
// media has flowed a bad description is reported and the existing
// transport is kept.
func (m *Manager) negotiationFailedLocked(err error) {
	if m.session.state == StateNegotiating && !m.session.remoteDescriptionSet {
		m.failLocked(err)
		return
	}
	m.logger.Warn("Negotiation failed", zap.Error(err))
	m.notifyErr(notification.LevelError, err)
}

func (m *Manager) applyRemoteLocked(sd webrtc.SessionDescription) error {
	if err := m.peer.SetRemoteDescription(sd); err != nil {
		return callerr.New(callerr.Negotiation, "set remote "+sd.Type.String(),
			fmt.Errorf("%w: %v", callerr.ErrDescriptionRejected, err))
	}
	if !m.session.remoteDescriptionSet {
		m.session.remoteDescriptionSet = true
		m.flushCandidatesLocked()
	}
	return nil
}

func (m *Manager) handleCandidateLocked(msg signaling.Message) {
	s := m.session
	if !s.remoteDescriptionSet || m.peer == nil {
		s.pendingCandidates = append(s.pendingCandidates, *msg.Candidate)
		m.logger.Debug("Queued remote candidate", zap.Int("pending", len(s.pendingCandidates)))
		return
	}
	if err := m.peer.AddICECandidate(*msg.Candidate); err != nil {
		m.logger.Warn("Failed to add remote candidate", zap.Error(err))
	}
}

// flushCandidatesLocked applies queued candidates in arrival order.
func (m *Manager) flushCandidatesLocked() {
	pending := m.session.pendingCandidates
	m.session.pendingCandidates = nil
	for _, c := range pending {
		if err := m.peer.AddICECandidate(c); err != nil {
			m.logger.Warn("Failed to add queued candidate", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		m.logger.Info("Applied queued candidates", zap.Int("count", len(pending)))
	}
}

func (m *Manager) onLocalCandidate(c webrtc.ICECandidateInit) {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return
	}
	m.emitLocked(signaling.Message{Type: signaling.TypeICECandidate, Candidate: &c})
}
