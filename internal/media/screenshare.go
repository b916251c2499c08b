package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// ScreenShare swaps the outgoing video between the camera and a display
// capture on the existing video sender.
type ScreenShare struct {
	media  *Manager
	logger *zap.Logger

	// onChange is called after every transition with the new state.
	onChange func(sharing bool)
	// onEnded is called from the capture layer when the display track ends
	// by itself. The owner is expected to call Stop in response.
	onEnded func()

	mu        sync.Mutex
	sharing   bool
	display   LocalTrack
	lastAudio LocalTrack
	binder    TrackBinder

	// active holds the generation of the current share, 0 when idle.
	active atomic.Int64
	gen    int64
}

func NewScreenShare(m *Manager, onChange func(bool), onEnded func(), logger *zap.Logger) *ScreenShare {
	if logger == nil {
		logger = zap.L()
	}
	return &ScreenShare{
		media:    m,
		logger:   logger.Named("screenshare"),
		onChange: onChange,
		onEnded:  onEnded,
	}
}

func (s *ScreenShare) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// Start replaces the camera on the video sender with a display capture.
func (s *ScreenShare) Start(ctx context.Context, b TrackBinder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sharing {
		return nil
	}
	if !s.media.Capabilities().ScreenCapture {
		return callerr.New(callerr.MediaAcquisition, "getDisplayMedia", fmt.Errorf("%w: screen capture unsupported", callerr.ErrNoMatchingDevice))
	}
	sender := SenderFor(b, webrtc.RTPCodecTypeVideo)
	if sender == nil {
		return callerr.New(callerr.MediaAcquisition, "getDisplayMedia", errors.New("no video sender to replace"))
	}

	stream, err := s.media.devices.GetDisplayMedia(ctx)
	if err != nil {
		return wrapAcquisition("getDisplayMedia", err)
	}
	display := stream.Video()
	if display == nil {
		stream.Stop()
		return callerr.New(callerr.MediaAcquisition, "getDisplayMedia", fmt.Errorf("%w: no display track", callerr.ErrNoMatchingDevice))
	}

	if err := sender.ReplaceTrack(display); err != nil {
		display.Stop()
		return fmt.Errorf("failed to replace video track: %w", err)
	}

	// release the camera while the display is being sent
	if cam := s.media.VideoTrack(); cam != nil {
		_ = cam.Stop()
	}
	s.lastAudio = s.media.AudioTrack()
	s.media.setVideo(display)

	s.gen++
	gen := s.gen
	s.active.Store(gen)
	display.OnEnded(func(error) {
		if s.active.Load() == gen && s.onEnded != nil {
			s.onEnded()
		}
	})

	s.display = display
	s.binder = b
	s.sharing = true
	s.logger.Info("Screen sharing started", zap.String("track", display.ID()))
	s.notify(true)
	return nil
}

// Stop restores a camera video track on the sender and re-attaches the
// audio track that was live before sharing started.
func (s *ScreenShare) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sharing {
		return nil
	}

	s.active.Store(0)
	if s.display != nil {
		_ = s.display.Stop()
	}
	s.sharing = false
	s.display = nil

	c := s.media.constraintsSnapshot()
	c.Audio, c.Video = false, true
	stream, err := s.media.devices.GetUserMedia(ctx, c)
	if err != nil {
		s.media.setVideo(nil)
		s.notify(false)
		return wrapAcquisition("getUserMedia", err)
	}
	cam := stream.Video()
	if cam == nil {
		stream.Stop()
		s.media.setVideo(nil)
		s.notify(false)
		return callerr.New(callerr.MediaAcquisition, "getUserMedia", fmt.Errorf("%w: no camera track", callerr.ErrNoMatchingDevice))
	}
	s.media.setVideo(cam)

	var replaceErr error
	if sender := SenderFor(s.binder, webrtc.RTPCodecTypeVideo); sender != nil {
		replaceErr = sender.ReplaceTrack(cam)
	}
	if s.lastAudio != nil && !s.lastAudio.Stopped() {
		if sender := SenderFor(s.binder, webrtc.RTPCodecTypeAudio); sender != nil && sender.Track() != s.lastAudio {
			if err := sender.ReplaceTrack(s.lastAudio); err != nil && replaceErr == nil {
				replaceErr = err
			}
		}
		s.media.setAudio(s.lastAudio)
	}
	s.lastAudio = nil

	s.logger.Info("Screen sharing stopped", zap.String("camera", cam.ID()))
	s.notify(false)
	if replaceErr != nil {
		return fmt.Errorf("failed to restore camera track: %w", replaceErr)
	}
	return nil
}

// Release stops the display capture without reacquiring the camera; used
// on teardown.
func (s *ScreenShare) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Store(0)
	if s.display != nil {
		_ = s.display.Stop()
	}
	s.display = nil
	s.sharing = false
	s.lastAudio = nil
	s.binder = nil
}

func (s *ScreenShare) notify(sharing bool) {
	if s.onChange != nil {
		s.onChange(sharing)
	}
}
