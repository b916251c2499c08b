// Package mediatest provides in-memory media devices and senders for tests.
package mediatest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/media"
)

// Track is a LocalTrack with no device behind it.
type Track struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	stopped bool
	onEnded func(error)
	Facing  media.FacingMode
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                    { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *Track) TrackLocal() webrtc.TrackLocal { return nil }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(f func(error)) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

// End simulates the capture ending on its own.
func (t *Track) End(err error) {
	t.mu.Lock()
	t.stopped = true
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Frame returns a 4x2 image whose left half is red and right half blue.
func (t *Track) Frame() (image.Image, error) {
	if t.kind != webrtc.RTPCodecTypeVideo {
		return nil, fmt.Errorf("not a video track")
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= 2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img, nil
}

// Devices hands out fake tracks and enforces that the camera and the
// microphone are each held by at most one live track.
type Devices struct {
	mu     sync.Mutex
	Caps   media.Capabilities
	seq    int
	camera *Track
	mic    *Track

	// Err, when set, fails the next acquisition.
	Err error

	Acquisitions []media.Constraints
	Displays     []*Track
	TorchCalls   []bool
}

func NewDevices() *Devices {
	return &Devices{Caps: media.Capabilities{ScreenCapture: true, FacingMode: true}}
}

func (d *Devices) Capabilities() media.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Caps
}

func (d *Devices) GetUserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.Err; err != nil {
		d.Err = nil
		return nil, err
	}
	if c.Video && d.camera != nil && !d.camera.Stopped() {
		return nil, callerr.New(callerr.MediaAcquisition, "getUserMedia", callerr.ErrDeviceBusy)
	}
	if c.Audio && d.mic != nil && !d.mic.Stopped() {
		return nil, callerr.New(callerr.MediaAcquisition, "getUserMedia", callerr.ErrDeviceBusy)
	}

	d.Acquisitions = append(d.Acquisitions, c)
	s := &media.Stream{}
	if c.Audio {
		d.seq++
		d.mic = NewTrack(fmt.Sprintf("audio-%d", d.seq), webrtc.RTPCodecTypeAudio)
		s.Tracks = append(s.Tracks, d.mic)
	}
	if c.Video {
		d.seq++
		d.camera = NewTrack(fmt.Sprintf("video-%d", d.seq), webrtc.RTPCodecTypeVideo)
		d.camera.Facing = c.FacingMode
		s.Tracks = append(s.Tracks, d.camera)
	}
	return s, nil
}

func (d *Devices) GetDisplayMedia(_ context.Context) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.Err; err != nil {
		d.Err = nil
		return nil, err
	}
	d.seq++
	t := NewTrack(fmt.Sprintf("display-%d", d.seq), webrtc.RTPCodecTypeVideo)
	d.Displays = append(d.Displays, t)
	return &media.Stream{Tracks: []media.LocalTrack{t}}, nil
}

func (d *Devices) SetTorch(_ media.LocalTrack, on bool) error {
	d.mu.Lock()
	d.TorchCalls = append(d.TorchCalls, on)
	d.mu.Unlock()
	return nil
}

// Camera returns the most recent camera track.
func (d *Devices) Camera() *Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.camera
}

// Sender records track replacements.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    media.LocalTrack
	Replaced int
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() media.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t media.LocalTrack) error {
	s.mu.Lock()
	s.track = t
	s.Replaced++
	s.mu.Unlock()
	return nil
}

// Binder is a TrackBinder whose senders stand in for transceivers.
type Binder struct {
	mu      sync.Mutex
	senders []*Sender
}

func (b *Binder) AddTrack(t media.LocalTrack) (media.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Sender{kind: t.Kind(), track: t}
	b.senders = append(b.senders, s)
	return s, nil
}

func (b *Binder) Senders() []media.Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]media.Sender, len(b.senders))
	for i, s := range b.senders {
		out[i] = s
	}
	return out
}

// Kinds returns the sender kinds in order.
func (b *Binder) Kinds() []webrtc.RTPCodecType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]webrtc.RTPCodecType, len(b.senders))
	for i, s := range b.senders {
		out[i] = s.kind
	}
	return out
}
