package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// Manager is the MediaTrackManager for one session. It holds at most one
// live camera/microphone acquisition at a time.
type Manager struct {
	devices Devices
	logger  *zap.Logger

	mu           sync.Mutex
	constraints  Constraints
	audio        LocalTrack
	video        LocalTrack
	binder       TrackBinder
	audioEnabled bool
	videoEnabled bool
	torch        bool
}

func NewManager(devices Devices, c Constraints, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	if c.FacingMode == "" {
		c.FacingMode = FacingEnvironment
	}
	return &Manager{
		devices:      devices,
		constraints:  c,
		logger:       logger.Named("media"),
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Acquire captures audio and video per the current constraints, stopping
// any previous acquisition first.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(ctx, m.constraints)
}

func (m *Manager) acquireLocked(ctx context.Context, c Constraints) error {
	m.stopLocked()

	c.Audio, c.Video = true, true
	stream, err := m.devices.GetUserMedia(ctx, c)
	if err != nil {
		return wrapAcquisition("getUserMedia", err)
	}
	if stream.Video() == nil {
		stream.Stop()
		return callerr.New(callerr.MediaAcquisition, "getUserMedia", fmt.Errorf("%w: no video track", callerr.ErrNoMatchingDevice))
	}

	m.audio = stream.Audio()
	m.video = stream.Video()
	m.constraints = c
	if m.audio != nil {
		m.audio.SetEnabled(m.audioEnabled)
	}
	m.video.SetEnabled(m.videoEnabled)

	m.logger.Info("Local media acquired",
		zap.String("facingMode", string(c.FacingMode)),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height),
		zap.Bool("audio", m.audio != nil))
	return nil
}

// Attach adds the current tracks to b, audio first. It is called once per
// peer connection; later track changes go through ReplaceTrack.
func (m *Manager) Attach(b TrackBinder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.video == nil {
		return callerr.New(callerr.MediaAcquisition, "attach", errors.New("no local media acquired"))
	}
	for _, t := range []LocalTrack{m.audio, m.video} {
		if t == nil {
			continue
		}
		if _, err := b.AddTrack(t); err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
	}
	m.binder = b
	return nil
}

// SetAudioEnabled mutes or unmutes the microphone without releasing it.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
	if m.audio != nil {
		m.audio.SetEnabled(enabled)
	}
}

// SetVideoEnabled turns the outgoing picture on or off without releasing
// the camera.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
	if m.video != nil {
		m.video.SetEnabled(enabled)
	}
}

func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// SetTorch switches the camera light. Devices without a torch log a
// warning and return nil.
func (m *Manager) SetTorch(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.devices.Capabilities().Torch {
		m.logger.Warn("Torch not supported by this device")
		return nil
	}
	tc, ok := m.devices.(TorchController)
	if !ok || m.video == nil {
		m.logger.Warn("Torch not available on the current track")
		return nil
	}
	if err := tc.SetTorch(m.video, on); err != nil {
		return fmt.Errorf("failed to set torch: %w", err)
	}
	m.torch = on
	return nil
}

func (m *Manager) Torch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.torch
}

// SwitchCamera flips between front and rear camera. The old tracks are
// stopped, a fresh audio+video stream is acquired, and each existing sender
// gets its track replaced so the sender count and order stay the same.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.devices.Capabilities().FacingMode {
		return callerr.New(callerr.MediaAcquisition, "switchCamera", fmt.Errorf("%w: only one camera", callerr.ErrNoMatchingDevice))
	}

	prev := m.constraints.FacingMode
	next := m.constraints
	next.FacingMode = prev.Opposite()

	if err := m.acquireLocked(ctx, next); err != nil {
		m.logger.Warn("Camera switch failed, restoring previous camera", zap.Error(err))
		if rerr := m.acquireLocked(ctx, m.constraints); rerr == nil && m.binder != nil {
			_ = m.replaceOnSendersLocked()
		}
		return err
	}
	m.torch = false

	if m.binder != nil {
		if err := m.replaceOnSendersLocked(); err != nil {
			return err
		}
	}

	m.logger.Info("Camera switched",
		zap.String("from", string(prev)),
		zap.String("to", string(next.FacingMode)))
	return nil
}

func (m *Manager) replaceOnSendersLocked() error {
	for _, s := range m.binder.Senders() {
		var t LocalTrack
		switch s.Kind() {
		case webrtc.RTPCodecTypeAudio:
			t = m.audio
		case webrtc.RTPCodecTypeVideo:
			t = m.video
		}
		if t == nil {
			continue
		}
		if err := s.ReplaceTrack(t); err != nil {
			return fmt.Errorf("failed to replace %s track: %w", s.Kind(), err)
		}
	}
	return nil
}

func (m *Manager) FacingMode() FacingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constraints.FacingMode
}

// Mirrored reports whether the local preview should be mirrored. Only the
// front camera is mirrored, and only in the local preview.
func (m *Manager) Mirrored() bool {
	return m.FacingMode() == FacingUser
}

func (m *Manager) Capabilities() Capabilities {
	return m.devices.Capabilities()
}

func (m *Manager) AudioTrack() LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *Manager) VideoTrack() LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

// Tracks returns the live local tracks, audio first.
func (m *Manager) Tracks() []LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LocalTrack
	for _, t := range []LocalTrack{m.audio, m.video} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// setVideo swaps the tracked video track; used by screen sharing.
func (m *Manager) setVideo(t LocalTrack) {
	m.mu.Lock()
	m.video = t
	if t != nil {
		t.SetEnabled(m.videoEnabled)
	}
	m.mu.Unlock()
}

func (m *Manager) setAudio(t LocalTrack) {
	m.mu.Lock()
	m.audio = t
	m.mu.Unlock()
}

// StopAll releases every local track.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.binder = nil
}

func (m *Manager) stopLocked() {
	// video first: on phones the camera is the contended device
	for _, t := range []LocalTrack{m.video, m.audio} {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			m.logger.Warn("Failed to stop track", zap.String("track", t.ID()), zap.Error(err))
		}
	}
	m.audio, m.video = nil, nil
}

func wrapAcquisition(op string, err error) error {
	if callerr.Is(err, callerr.MediaAcquisition) {
		return err
	}
	return callerr.New(callerr.MediaAcquisition, op, err)
}

func (m *Manager) constraintsSnapshot() Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constraints
}
