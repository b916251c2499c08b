package media

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers display capture adapter

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// EncoderConfig sets the bitrates of the VP8 and Opus encoders.
type EncoderConfig struct {
	VideoBitRate int
	AudioBitRate int
}

// MediaDevices implements Devices on top of pion/mediadevices.
type MediaDevices struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

func NewMediaDevices(cfg EncoderConfig, logger *zap.Logger) (*MediaDevices, error) {
	if logger == nil {
		logger = zap.L()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	return &MediaDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.Named("devices"),
	}, nil
}

// RegisterCodecs adds the encoder codecs to a media engine so the peer
// connection can negotiate them.
func (d *MediaDevices) RegisterCodecs(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

// Cameras lists video inputs in enumeration order.
func Cameras() []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, dev := range mediadevices.EnumerateDevices() {
		if dev.Kind == mediadevices.VideoInput {
			out = append(out, dev)
		}
	}
	return out
}

func (d *MediaDevices) Capabilities() Capabilities {
	return Capabilities{
		Torch:         false,
		ScreenCapture: true,
		FacingMode:    len(Cameras()) > 1,
	}
}

func (d *MediaDevices) GetUserMedia(_ context.Context, c Constraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}

	if c.Video {
		cam, ok := cameraFor(Cameras(), c.FacingMode)
		if !ok {
			return nil, callerr.New(callerr.MediaAcquisition, "getUserMedia", fmt.Errorf("%w: no camera", callerr.ErrNoMatchingDevice))
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(cam.DeviceID)
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, callerr.New(callerr.MediaAcquisition, "getUserMedia", classifyDeviceError(err))
	}
	return d.wrap(ms), nil
}

func (d *MediaDevices) GetDisplayMedia(_ context.Context) (*Stream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(15)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, callerr.New(callerr.MediaAcquisition, "getDisplayMedia", classifyDeviceError(err))
	}
	return d.wrap(ms), nil
}

func (d *MediaDevices) wrap(ms mediadevices.MediaStream) *Stream {
	s := &Stream{}
	for _, t := range ms.GetTracks() {
		dt := newDeviceTrack(t)
		s.Tracks = append(s.Tracks, dt)
		d.logger.Debug("Track acquired", zap.String("id", t.ID()), zap.Stringer("kind", t.Kind()))
	}
	return s
}

// cameraFor picks a camera by label, falling back to enumeration order:
// the first camera is treated as front-facing and the second as rear.
func cameraFor(cams []mediadevices.MediaDeviceInfo, facing FacingMode) (mediadevices.MediaDeviceInfo, bool) {
	if len(cams) == 0 {
		return mediadevices.MediaDeviceInfo{}, false
	}

	hints := []string{"front", "user", "facetime", "integrated"}
	if facing == FacingEnvironment {
		hints = []string{"back", "rear", "environment", "usb"}
	}
	for _, cam := range cams {
		label := strings.ToLower(cam.Label)
		for _, h := range hints {
			if strings.Contains(label, h) {
				return cam, true
			}
		}
	}

	if facing == FacingEnvironment && len(cams) > 1 {
		return cams[1], true
	}
	return cams[0], true
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", callerr.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "already"):
		return fmt.Errorf("%w: %v", callerr.ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", callerr.ErrNoMatchingDevice, err)
	}
}

// deviceTrack adapts a mediadevices track. Disabling it substitutes black
// frames or silence while keeping the device open.
type deviceTrack struct {
	mediadevices.Track

	enabled atomic.Bool
	stopped atomic.Bool
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	dt := &deviceTrack{Track: t}
	dt.enabled.Store(true)

	switch tt := t.(type) {
	case *mediadevices.VideoTrack:
		tt.Transform(dt.videoGate)
	case *mediadevices.AudioTrack:
		tt.Transform(dt.audioGate)
	}
	return dt
}

func (t *deviceTrack) Enabled() bool           { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *deviceTrack) Stopped() bool           { return t.stopped.Load() }

func (t *deviceTrack) TrackLocal() webrtc.TrackLocal {
	return t.Track
}

func (t *deviceTrack) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return t.Track.Close()
}

// Frame grabs a copy of the next video frame.
func (t *deviceTrack) Frame() (image.Image, error) {
	vt, ok := t.Track.(*mediadevices.VideoTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not a video track", t.ID())
	}
	r := vt.NewReader(true)
	img, release, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if release != nil {
		defer release()
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out, nil
}

func (t *deviceTrack) videoGate(r video.Reader) video.Reader {
	var (
		mu    sync.Mutex
		black image.Image
	)
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		b := img.Bounds()
		if release != nil {
			release()
		}

		mu.Lock()
		if black == nil || black.Bounds() != b {
			black = blackFrame(b)
		}
		out := black
		mu.Unlock()
		return out, func() {}, nil
	})
}

func (t *deviceTrack) audioGate(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		silent := wave.NewInt16Interleaved(chunk.ChunkInfo())
		if release != nil {
			release()
		}
		return silent, func() {}, nil
	})
}

func blackFrame(r image.Rectangle) image.Image {
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
