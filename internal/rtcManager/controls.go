package rtcManager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/media"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

const screenshotQuality = 90

var errSessionOver = errors.New("session is over")

func (m *Manager) activeLocked() error {
	if m.session.state.Terminal() {
		return errSessionOver
	}
	return nil
}

func (m *Manager) SetAudioEnabled(enabled bool) {
	m.media.SetAudioEnabled(enabled)
}

func (m *Manager) SetVideoEnabled(enabled bool) {
	m.media.SetVideoEnabled(enabled)
}

// SwitchCamera flips between the front and back camera without
// renegotiating.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.lock()
	defer m.unlock()
	if err := m.activeLocked(); err != nil {
		return err
	}
	if m.screen.Sharing() {
		return callerr.Newf(callerr.MediaAcquisition, "switch camera", "cannot switch camera while screen sharing")
	}
	if err := m.media.SwitchCamera(ctx); err != nil {
		m.notifyErr(notification.LevelError, err)
		return err
	}
	return nil
}

func (m *Manager) SetTorch(on bool) error {
	if err := m.media.SetTorch(on); err != nil {
		m.notifyErr(notification.LevelWarning, err)
		return err
	}
	return nil
}

func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.lock()
	defer m.unlock()
	if err := m.activeLocked(); err != nil {
		return err
	}
	if m.peer == nil {
		return callerr.Newf(callerr.MediaAcquisition, "screen share", "session not started")
	}
	if err := m.screen.Start(ctx, m.peer); err != nil {
		m.notifyErr(notification.LevelError, err)
		return err
	}
	return nil
}

func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.lock()
	defer m.unlock()
	if err := m.activeLocked(); err != nil {
		return err
	}
	if err := m.screen.Stop(ctx); err != nil {
		m.notifyErr(notification.LevelError, err)
		return err
	}
	return nil
}

// onScreenShareChanged runs inside screen.Start and screen.Stop, which are
// only called with mu held.
func (m *Manager) onScreenShareChanged(sharing bool) {
	m.emitLocked(signaling.Message{
		Type:            signaling.TypeScreenSharingStatus,
		IsScreenSharing: signaling.Bool(sharing),
	})
}

// onScreenShareEnded handles the display capture ending on its own, for
// example from the system's stop-sharing control.
func (m *Manager) onScreenShareEnded() {
	m.logger.Info("Display capture ended")
	if err := m.StopScreenShare(context.Background()); err != nil && !errors.Is(err, errSessionOver) {
		m.logger.Warn("Failed to restore camera after display capture ended", zap.Error(err))
	}
}

// SetRecording starts or stops recording. The investigator records
// locally; the supervisor asks the investigator to.
func (m *Manager) SetRecording(ctx context.Context, on bool) error {
	m.lock()
	defer m.unlock()
	if err := m.activeLocked(); err != nil {
		return err
	}

	by := string(m.role)
	if m.role == signaling.RoleInvestigator {
		if on {
			return m.startRecordingLocked(ctx, by)
		}
		return m.stopRecordingLocked(ctx, by)
	}

	msg := signaling.Message{
		Type:        signaling.TypeRecordingStatus,
		IsRecording: signaling.Bool(on),
		Timestamp:   m.sched.Now().UnixMilli(),
	}
	if on {
		msg.StartedBy = by
	} else {
		msg.StoppedBy = by
	}
	m.emitLocked(msg)
	return nil
}

func (m *Manager) handleRecordingStatusLocked(ctx context.Context, msg signaling.Message) {
	if m.role == signaling.RoleSupervisor {
		m.session.remoteRecording = *msg.IsRecording
		return
	}
	if *msg.IsRecording {
		by := msg.StartedBy
		if by == "" {
			by = string(m.role.Peer())
		}
		_ = m.startRecordingLocked(ctx, by)
		return
	}
	by := msg.StoppedBy
	if by == "" {
		by = string(m.role.Peer())
	}
	_ = m.stopRecordingLocked(ctx, by)
}

func (m *Manager) startRecordingLocked(ctx context.Context, by string) error {
	if m.recorder == nil {
		err := callerr.Newf(callerr.Recording, "start", "recording is not available")
		m.recordingErrorLocked(err)
		return err
	}
	if err := m.recorder.Start(ctx, by); err != nil {
		m.recordingErrorLocked(err)
		return err
	}
	m.emitLocked(signaling.Message{
		Type:        signaling.TypeRecordingStatus,
		IsRecording: signaling.Bool(true),
		StartedBy:   by,
		Timestamp:   m.sched.Now().UnixMilli(),
	})
	return nil
}

func (m *Manager) stopRecordingLocked(ctx context.Context, by string) error {
	if m.recorder == nil {
		err := callerr.Newf(callerr.Recording, "stop", "recording is not available")
		m.recordingErrorLocked(err)
		return err
	}
	err := m.recorder.Stop(ctx, by)
	if err == nil || errors.Is(err, callerr.ErrNoData) {
		m.emitLocked(signaling.Message{
			Type:        signaling.TypeRecordingStatus,
			IsRecording: signaling.Bool(false),
			StoppedBy:   by,
			Timestamp:   m.sched.Now().UnixMilli(),
		})
	}
	if err != nil {
		m.recordingErrorLocked(err)
		return err
	}
	return nil
}

func (m *Manager) recordingErrorLocked(err error) {
	m.logger.Warn("Recording error", zap.Error(err))
	m.notifyErr(notification.LevelError, err)
	m.emitLocked(signaling.Message{Type: signaling.TypeRecordingError, Error: err.Error()})
}

// RecordingCompleted is called by the recording pipeline after a
// successful upload.
func (m *Manager) RecordingCompleted(rec storage.Recording) {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return
	}
	m.session.lastRecordingURL = rec.URL
	m.notify(notification.LevelInfo, callerr.Recording, "Recording uploaded")
	m.emitLocked(signaling.Message{Type: signaling.TypeRecordingCompleted, RecordingURL: rec.URL})
}

// RecordingFailed is called by the recording pipeline when the upload
// gave up.
func (m *Manager) RecordingFailed(err error) {
	m.lock()
	defer m.unlock()
	if m.session.state.Terminal() {
		return
	}
	m.recordingErrorLocked(err)
}

func (m *Manager) handleRecordingCompletedLocked(msg signaling.Message) {
	if m.role != signaling.RoleSupervisor {
		return
	}
	m.session.remoteRecording = false
	m.session.lastRecordingURL = msg.RecordingURL
	m.notify(notification.LevelInfo, callerr.Recording, "Recording available: "+msg.RecordingURL)
}

func (m *Manager) handleRecordingErrorLocked(msg signaling.Message) {
	if m.role != signaling.RoleSupervisor {
		return
	}
	m.session.remoteRecording = false
	m.notify(notification.LevelError, callerr.Recording, "Recording failed: "+msg.Error)
}

// SendLocation shares the investigator's position with the supervisor.
func (m *Manager) SendLocation(loc signaling.Location) error {
	if m.role != signaling.RoleInvestigator {
		return fmt.Errorf("%s does not share location", m.role)
	}
	m.lock()
	defer m.unlock()
	if err := m.activeLocked(); err != nil {
		return err
	}
	if loc.Timestamp == 0 {
		loc.Timestamp = m.sched.Now().UnixMilli()
	}
	m.emitLocked(signaling.Message{Type: signaling.TypeLocationUpdate, Location: &loc})
	return nil
}

// TakeScreenshot captures the current camera frame in true orientation
// and stores it alongside the call's recordings. It returns the object URL.
func (m *Manager) TakeScreenshot(ctx context.Context) (string, error) {
	if m.uploader == nil {
		return "", callerr.Newf(callerr.Upload, "screenshot", "no storage configured")
	}
	m.mu.Lock()
	err := m.activeLocked()
	claim := m.session.Claim
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	img, err := m.media.Snapshot(false)
	if err != nil {
		return "", callerr.New(callerr.MediaAcquisition, "screenshot", err)
	}
	data, err := media.EncodeJPEG(img, screenshotQuality)
	if err != nil {
		return "", callerr.New(callerr.MediaAcquisition, "screenshot", err)
	}

	meta := claim.Metadata()
	meta["callId"] = m.session.CallID
	meta["kind"] = "screenshot"
	url, err := m.uploader.Upload(ctx, data, "image/jpeg", meta, nil)
	if err != nil {
		err = callerr.New(callerr.Upload, "screenshot", err)
		m.notifyErr(notification.LevelError, err)
		return "", err
	}
	m.logger.Info("Screenshot stored", zap.String("url", url), zap.Int("bytes", len(data)))
	return url, nil
}
