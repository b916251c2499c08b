// Package rtcManager runs one participant's side of a call: media, the
// peer connection, signaling, reconnection, quality monitoring and the
// recording hand-off.
package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/claims"
	"github.com/mikeyg42/fieldcall/internal/media"
	"github.com/mikeyg42/fieldcall/internal/metrics"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

const (
	sendTimeout            = 5 * time.Second
	durationTick           = time.Second
	defaultQualityInterval = 5 * time.Second
)

// Recorder is the recording pipeline as seen by a session.
type Recorder interface {
	Start(ctx context.Context, startedBy string) error
	Stop(ctx context.Context, stoppedBy string) error
	Abort()
	Status() string
}

type Options struct {
	CallID string
	Role   signaling.Role
	Claim  claims.Context

	// Sender must not call back into the Manager before returning.
	Sender   signaling.Sender
	NewPeer  PeerFactory
	Media    *media.Manager
	Notifier notification.Notifier

	// Uploader stores screenshots; nil disables TakeScreenshot.
	Uploader storage.Uploader

	Scheduler       Scheduler
	Retry           RetryPolicy
	QualityInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Manager owns one CallSession. All session state is guarded by mu;
// outbound messages queued while it is held are sent in order once it is
// released.
type Manager struct {
	role            signaling.Role
	sender          signaling.Sender
	newPeer         PeerFactory
	media           *media.Manager
	notifier        notification.Notifier
	uploader        storage.Uploader
	sched           Scheduler
	retry           RetryPolicy
	qualityInterval time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger

	mu       sync.Mutex
	session  *CallSession
	peer     PeerConnection
	monitor  *QualityMonitor
	screen   *media.ScreenShare
	recorder Recorder

	outbox      []signaling.Message
	afterUnlock []func()
	onClosed    func(callID string)

	// negotiation
	negotiating        bool
	needsRenegotiation bool
	restartPending     bool

	// reconnection
	bo              backoff.BackOff
	reconnectTimer  Timer
	restartDeadline Timer
	reconnectGen    uint64
	durationTimer   Timer
	durationGen     uint64

	// sendMu keeps flushes from different unlocks in order.
	sendMu sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if opts.CallID == "" {
		return nil, errors.New("call id is required")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.Sender == nil {
		return nil, errors.New("signaling sender is required")
	}
	if opts.NewPeer == nil {
		return nil, errors.New("peer factory is required")
	}
	if opts.Media == nil {
		return nil, errors.New("media manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Notifier == nil {
		opts.Notifier = notification.NewLogNotifier(opts.Logger)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = WallClock()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Retry.AttemptTimeout <= 0 {
		opts.Retry.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.QualityInterval <= 0 {
		opts.QualityInterval = defaultQualityInterval
	}

	logger := opts.Logger.Named("session").With(
		zap.String("callId", opts.CallID),
		zap.String("role", string(opts.Role)))

	m := &Manager{
		role:            opts.Role,
		sender:          opts.Sender,
		newPeer:         opts.NewPeer,
		media:           opts.Media,
		notifier:        opts.Notifier,
		uploader:        opts.Uploader,
		sched:           opts.Scheduler,
		retry:           opts.Retry,
		qualityInterval: opts.QualityInterval,
		metrics:         opts.Metrics,
		logger:          logger,
		session:         newCallSession(opts.CallID, opts.Role, opts.Claim),
		bo:              opts.Retry.BackOff(),
	}
	m.screen = media.NewScreenShare(m.media, m.onScreenShareChanged, m.onScreenShareEnded, m.logger)
	return m, nil
}

func (m *Manager) CallID() string       { return m.session.CallID }
func (m *Manager) Role() signaling.Role { return m.role }

// SetRecorder attaches the recording pipeline. Only the investigator
// records; the supervisor ignores it.
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	m.recorder = r
	m.mu.Unlock()
}

// setOnClosed registers a callback run once after the session reaches a
// terminal state.
func (m *Manager) setOnClosed(f func(callID string)) {
	m.mu.Lock()
	m.onClosed = f
	m.mu.Unlock()
}

func (m *Manager) lock() {
	m.mu.Lock()
}

// unlock releases mu and then delivers everything queued while it was
// held.
func (m *Manager) unlock() {
	out := m.outbox
	after := m.afterUnlock
	m.outbox, m.afterUnlock = nil, nil
	if len(out) == 0 && len(after) == 0 {
		m.mu.Unlock()
		return
	}
	m.sendMu.Lock()
	m.mu.Unlock()

	for _, msg := range out {
		m.deliver(msg)
	}
	m.sendMu.Unlock()

	for _, f := range after {
		f()
	}
}

func (m *Manager) deliver(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Warn("Failed to send signaling message",
			zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	m.metrics.RecordSignaling("out", string(msg.Type))
}

func (m *Manager) emitLocked(msg signaling.Message) {
	msg.CallID = m.session.CallID
	m.outbox = append(m.outbox, msg)
}

func (m *Manager) notify(level notification.Level, kind callerr.Kind, message string) {
	m.notifier.Notify(notification.Notice{
		CallID:  m.session.CallID,
		Level:   level,
		Kind:    kind.String(),
		Message: message,
		Time:    m.sched.Now(),
	})
}

// notifyErr reports err with the kind it carries.
func (m *Manager) notifyErr(level notification.Level, err error) {
	m.notify(level, callerr.KindOf(err), err.Error())
}

func (m *Manager) transitionLocked(to State) error {
	s := m.session
	if !canTransition(s.state, to) {
		m.logger.Error("Rejected state transition",
			zap.Stringer("from", s.state), zap.Stringer("to", to))
		return fmt.Errorf("invalid transition %s -> %s", s.state, to)
	}
	m.logger.Info("Session state changed", zap.Stringer("from", s.state), zap.Stringer("to", to))
	s.state = to
	s.history = append(s.history, to)
	return nil
}

// Start acquires local media, builds the peer connection and announces
// this participant with join_call.
func (m *Manager) Start(ctx context.Context) error {
	m.lock()
	defer m.unlock()

	s := m.session
	if s.state != StateIdle {
		return fmt.Errorf("session already %s", s.state)
	}
	if err := m.transitionLocked(StateInitializing); err != nil {
		return err
	}
	s.startedAt = m.sched.Now()
	m.metrics.RecordSessionStarted(string(m.role))

	if err := m.media.Acquire(ctx); err != nil {
		m.failLocked(err)
		return err
	}

	peer, err := m.newPeer(PeerEvents{
		OnICECandidate:      m.onLocalCandidate,
		OnTransportState:    m.onTransportState,
		OnNegotiationNeeded: m.onNegotiationNeeded,
		OnRemoteTrack:       m.onRemoteTrack,
	})
	if err != nil {
		err = callerr.New(callerr.Connection, "create peer", err)
		m.failLocked(err)
		return err
	}
	m.peer = peer
	m.monitor = NewQualityMonitor(peer, m.sched, m.qualityInterval, QualityHandlers{
		OnSample: m.onQualitySample,
		OnPoor:   m.onQualityPoor,
	}, m.logger)

	if err := m.media.Attach(peer); err != nil {
		err = callerr.New(callerr.Negotiation, "attach tracks", err)
		m.failLocked(err)
		return err
	}

	m.emitLocked(signaling.Message{Type: signaling.TypeJoinCall, Role: m.role})
	if err := m.transitionLocked(StateNegotiating); err != nil {
		return err
	}

	if m.role == signaling.RoleInvestigator && s.remoteJoined {
		if err := m.sendOfferLocked(false); err != nil {
			m.failLocked(err)
			return err
		}
	}
	return nil
}

// HandleMessage applies one inbound signaling message.
func (m *Manager) HandleMessage(ctx context.Context, msg signaling.Message) {
	if msg.CallID != m.session.CallID {
		m.logger.Debug("Dropping message for another call", zap.String("msgCallId", msg.CallID))
		return
	}
	m.metrics.RecordSignaling("in", string(msg.Type))
	if err := signaling.Validate(msg); err != nil {
		m.logger.Warn("Dropping malformed message", zap.Error(err))
		m.notifyErr(notification.LevelWarning, err)
		return
	}

	m.lock()
	defer m.unlock()

	if m.session.state.Terminal() {
		m.logger.Debug("Dropping message after session end", zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case signaling.TypeJoinCall:
		m.handleJoinLocked(msg)
	case signaling.TypeVideoOffer:
		m.handleOfferLocked(msg)
	case signaling.TypeVideoAnswer:
		m.handleAnswerLocked(msg)
	case signaling.TypeICECandidate:
		m.handleCandidateLocked(msg)
	case signaling.TypeRecordingStatus:
		m.handleRecordingStatusLocked(ctx, msg)
	case signaling.TypeRecordingCompleted:
		m.handleRecordingCompletedLocked(msg)
	case signaling.TypeRecordingError:
		m.handleRecordingErrorLocked(msg)
	case signaling.TypeConnectionStats:
		stats := *msg.Stats
		m.session.remoteQuality = &stats
		m.logger.Debug("Peer connection stats",
			zap.Float64("bandwidthKbps", stats.BandwidthKbps),
			zap.String("quality", string(stats.Quality)))
	case signaling.TypeScreenSharingStatus:
		m.session.remoteScreenSharing = *msg.IsScreenSharing
	case signaling.TypeLocationUpdate:
		if m.role == signaling.RoleSupervisor {
			loc := *msg.Location
			m.session.location = &loc
		}
	case signaling.TypeEndCall, signaling.TypeCallEnded:
		reason := msg.Reason
		if reason == "" {
			reason = "ended by " + string(m.role.Peer())
		}
		if msg.Type == signaling.TypeCallEnded && msg.Reason != "" {
			m.notify(notification.LevelWarning, callerr.Connection, "Call ended by peer: "+msg.Reason)
		}
		m.teardownLocked(StateEnded, reason)
	default:
		m.logger.Warn("Unhandled signaling message", zap.String("type", string(msg.Type)))
	}
}

// EndCall hangs up from any state and tells the peer.
func (m *Manager) EndCall(ctx context.Context) error {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return nil
	}
	m.emitLocked(signaling.Message{Type: signaling.TypeEndCall})
	m.teardownLocked(StateEnded, "ended by "+string(m.role))
	return nil
}

// failLocked ends the session in Failed and tells the peer why.
func (m *Manager) failLocked(err error) {
	m.logger.Error("Session failed", zap.Error(err))
	m.notify(notification.LevelFatal, callerr.KindOf(err), err.Error())
	m.emitLocked(signaling.Message{Type: signaling.TypeCallEnded, Reason: err.Error()})
	m.teardownLocked(StateFailed, err.Error())
}

// teardownLocked releases every session resource and moves to final.
func (m *Manager) teardownLocked(final State, reason string) {
	s := m.session
	if s.state.Terminal() {
		return
	}

	m.cancelReconnectLocked()
	m.durationGen++
	if m.durationTimer != nil {
		m.durationTimer.Stop()
		m.durationTimer = nil
	}
	if m.monitor != nil {
		m.monitor.Stop()
	}

	m.screen.Release()
	m.media.StopAll()
	if m.recorder != nil {
		m.recorder.Abort()
	}
	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			m.logger.Warn("Failed to close peer connection", zap.Error(err))
		}
	}

	s.remoteTracks = nil
	s.pendingCandidates = nil
	m.negotiating, m.needsRenegotiation, m.restartPending = false, false, false

	_ = m.transitionLocked(final)
	s.endedAt = m.sched.Now()
	s.endReason = reason
	m.metrics.RecordSessionFinished(string(m.role), final.String(), s.duration)
	m.logger.Info("Session closed", zap.String("reason", reason), zap.Duration("duration", s.duration))

	if f := m.onClosed; f != nil {
		id := s.CallID
		m.afterUnlock = append(m.afterUnlock, func() { f(id) })
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.state
}

// Snapshot returns the session's reportable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := m.session.snapshot()
	rec := m.recorder
	m.mu.Unlock()

	snap.AudioEnabled = m.media.AudioEnabled()
	snap.VideoEnabled = m.media.VideoEnabled()
	snap.FacingMode = string(m.media.FacingMode())
	snap.ScreenSharing = m.screen.Sharing()
	if rec != nil {
		snap.Recording = rec.Status()
	}
	return snap
}

// QualityHistory returns the recent quality periods, oldest first.
func (m *Manager) QualityHistory() []QualitySample {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.History()
}

func (m *Manager) onRemoteTrack(t RemoteTrack) {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return
	}
	m.session.remoteTracks = append(m.session.remoteTracks, t)
	m.logger.Info("Remote track added", zap.String("id", t.ID), zap.String("mime", t.Mime))
}

func (m *Manager) onQualitySample(stats signaling.ConnectionStats) {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return
	}
	q := stats
	m.session.quality = &q
	m.metrics.RecordQuality(string(m.role), string(stats.Quality), stats.BandwidthKbps)
	m.emitLocked(signaling.Message{
		Type:      signaling.TypeConnectionStats,
		Stats:     &q,
		Timestamp: m.sched.Now().UnixMilli(),
	})
}

func (m *Manager) onQualityPoor(stats signaling.ConnectionStats) {
	m.notify(notification.LevelWarning, callerr.Connection,
		fmt.Sprintf("Poor connection quality (%.0f kbps, %d packets lost)", stats.BandwidthKbps, stats.PacketsLost))
}

func (m *Manager) startDurationLocked() {
	if m.durationTimer != nil {
		return
	}
	m.durationGen++
	gen := m.durationGen
	m.durationTimer = m.sched.AfterFunc(durationTick, func() { m.durationTicked(gen) })
}

func (m *Manager) durationTicked(gen uint64) {
	m.lock()
	defer m.unlock()
	if gen != m.durationGen {
		return
	}
	s := m.session
	if s.state != StateConnected && s.state != StateReconnecting {
		m.durationTimer = nil
		return
	}
	s.duration += durationTick
	m.durationTimer = m.sched.AfterFunc(durationTick, func() { m.durationTicked(gen) })
}
