// Package media owns the local capture tracks of a call: acquiring camera,
// microphone and display streams, toggling them, and swapping them on the
// peer connection's senders without renegotiation.
package media

import (
	"context"
	"image"

	"github.com/pion/webrtc/v4"
)

// FacingMode selects front or rear camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other camera.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Constraints describes what to acquire.
type Constraints struct {
	Audio      bool
	Video      bool
	FacingMode FacingMode
	Width      int
	Height     int
	FrameRate  float64
}

// Capabilities is what the device layer can do. Callers branch on these
// flags only.
type Capabilities struct {
	Torch         bool
	ScreenCapture bool
	FacingMode    bool
}

// LocalTrack is a capture track owned by the session.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device. It is idempotent.
	Stop() error
	Stopped() bool
	// OnEnded registers f to run when the track ends on its own, for
	// example when the user revokes a screen capture.
	OnEnded(f func(error))
	// TrackLocal is the track handed to the peer connection.
	TrackLocal() webrtc.TrackLocal
}

// FrameSource is implemented by video tracks that can hand out a still.
type FrameSource interface {
	Frame() (image.Image, error)
}

// Stream is the result of one acquisition.
type Stream struct {
	Tracks []LocalTrack
}

func (s *Stream) Audio() LocalTrack { return s.first(webrtc.RTPCodecTypeAudio) }
func (s *Stream) Video() LocalTrack { return s.first(webrtc.RTPCodecTypeVideo) }

func (s *Stream) first(kind webrtc.RTPCodecType) LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		_ = t.Stop()
	}
}

// Devices acquires media. GetUserMedia must fail with
// callerr.ErrDeviceBusy while a previous acquisition of the same device
// is still live.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
	Capabilities() Capabilities
}

// TorchController is implemented by Devices that report Capabilities.Torch.
type TorchController interface {
	SetTorch(track LocalTrack, on bool) error
}

// Sender is an outgoing slot on the peer connection.
type Sender interface {
	Kind() webrtc.RTPCodecType
	Track() LocalTrack
	ReplaceTrack(t LocalTrack) error
}

// TrackBinder attaches tracks to a peer connection.
type TrackBinder interface {
	AddTrack(t LocalTrack) (Sender, error)
	Senders() []Sender
}

// SenderFor returns the first sender of kind, or nil.
func SenderFor(b TrackBinder, kind webrtc.RTPCodecType) Sender {
	for _, s := range b.Senders() {
		if s.Kind() == kind {
			return s
		}
	}
	return nil
}
