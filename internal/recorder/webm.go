package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/media"
)

const (
	videoTrackNumber = 1
	audioTrackNumber = 2

	opusSampleRate = 48000
	opusChannels   = 2

	flushTimeout   = 5 * time.Second
	rebindInterval = 100 * time.Millisecond
)

// EncodedTrack is a local track that can hand out an additional encoded
// stream. Tracks acquired through pion/mediadevices implement it.
type EncodedTrack interface {
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
}

// TrackProvider returns the tracks currently being sent; audio may be nil.
// It is consulted at start and again whenever a recorded track ends.
type TrackProvider func() (video, audio media.LocalTrack)

type WebMConfig struct {
	Width         int
	Height        int
	FrameRate     float64
	ChunkInterval time.Duration
}

// WebMSource muxes VP8 video and Opus audio into a WebM stream and emits
// it in ChunkInterval slices. When a recorded track is replaced (camera
// switch, screen share) capture moves to the replacement.
type WebMSource struct {
	config WebMConfig
	tracks TrackProvider
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	writers []webm.BlockWriteCloser
	out     *chunkWriter
	onChunk func([]byte)
	wg      sync.WaitGroup

	// readersMu is separate from mu: pumps swap readers while Stop holds
	// mu waiting for them.
	readersMu sync.Mutex
	readers   []mediadevices.EncodedReadCloser
}

func NewWebMSource(config WebMConfig, tracks TrackProvider, logger *zap.Logger) *WebMSource {
	if logger == nil {
		logger = zap.L()
	}
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = time.Second
	}
	if config.FrameRate <= 0 {
		config.FrameRate = 30
	}
	return &WebMSource{
		config: config,
		tracks: tracks,
		logger: logger.Named("webm"),
	}
}

// Start begins capture. It keeps ctx's values but not its cancellation:
// capture ends with Stop.
func (s *WebMSource) Start(ctx context.Context, onChunk func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("webm source already running")
	}

	videoTrack, audioTrack := s.tracks()
	if videoTrack == nil {
		return callerr.New(callerr.Recording, "capture", callerr.ErrNoData)
	}
	videoEnc, ok := videoTrack.(EncodedTrack)
	if !ok {
		return callerr.New(callerr.Recording, "capture", fmt.Errorf("%w: video track cannot be encoded", callerr.ErrUnsupportedFormat))
	}

	videoReader, err := videoEnc.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		return callerr.New(callerr.Recording, "capture", fmt.Errorf("%w: %v", callerr.ErrUnsupportedFormat, err))
	}

	entries := []webm.TrackEntry{{
		Name:            "Video",
		TrackNumber:     videoTrackNumber,
		TrackUID:        uint64(videoTrackNumber),
		CodecID:         "V_VP8",
		TrackType:       1,
		DefaultDuration: uint64(float64(time.Second) / s.config.FrameRate),
		Video: &webm.Video{
			PixelWidth:  uint64(s.config.Width),
			PixelHeight: uint64(s.config.Height),
		},
	}}

	var audioReader mediadevices.EncodedReadCloser
	if audioEnc, ok := audioTrack.(EncodedTrack); ok {
		audioReader, err = audioEnc.NewEncodedReader(webrtc.MimeTypeOpus)
		if err != nil {
			s.logger.Warn("Recording without audio", zap.Error(err))
			audioReader = nil
		}
	}
	if audioReader != nil {
		entries = append(entries, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: audioTrackNumber,
			TrackUID:    uint64(audioTrackNumber),
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: opusSampleRate,
				Channels:          opusChannels,
			},
		})
	}

	out := newChunkWriter()
	writers, err := webm.NewSimpleBlockWriter(out, entries)
	if err != nil {
		_ = videoReader.Close()
		if audioReader != nil {
			_ = audioReader.Close()
		}
		return callerr.New(callerr.Recording, "capture", fmt.Errorf("failed to create WebM writer: %w", err))
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.out = out
	s.onChunk = onChunk
	s.writers = writers
	s.readersMu.Lock()
	s.readers = []mediadevices.EncodedReadCloser{videoReader}
	if audioReader != nil {
		s.readers = append(s.readers, audioReader)
	}
	s.readersMu.Unlock()

	s.wg.Add(2)
	go s.pump(ctx, videoReader, videoTrack.ID(), writers[0], true)
	go s.flushLoop(ctx)
	if audioReader != nil {
		s.wg.Add(1)
		go s.pump(ctx, audioReader, audioTrack.ID(), writers[1], false)
	}

	s.running = true
	s.logger.Info("WebM capture started", zap.Bool("audio", audioReader != nil))
	return nil
}

// pump copies encoded frames into the muxer. Timestamps are derived from
// the sample counts: 90kHz for VP8, 48kHz for Opus. They run on across a
// change of track.
func (s *WebMSource) pump(ctx context.Context, r mediadevices.EncodedReadCloser, trackID string, w webm.BlockWriteCloser, video bool) {
	defer s.wg.Done()

	var ts int64
	for {
		if ctx.Err() != nil {
			return
		}
		buf, release, err := r.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("Encoded read failed", zap.Bool("video", video), zap.Error(err))
			}
			r, trackID = s.rebind(ctx, r, trackID, video)
			if r == nil {
				return
			}
			continue
		}

		keyframe := false
		if video {
			keyframe = len(buf.Data) > 0 && buf.Data[0]&0x01 == 0
		}
		if _, err := w.Write(keyframe, ts, buf.Data); err != nil {
			s.logger.Warn("Failed to write block", zap.Bool("video", video), zap.Error(err))
		}
		if video {
			ts += int64(buf.Samples) / 90
		} else {
			ts += int64(buf.Samples) * 1000 / opusSampleRate
		}
		if release != nil {
			release()
		}
	}
}

// rebind waits until the provider hands out a live track other than the
// one that ended and swaps old for a reader on it. It returns nil once
// capture is stopped.
func (s *WebMSource) rebind(ctx context.Context, old mediadevices.EncodedReadCloser, oldID string, video bool) (mediadevices.EncodedReadCloser, string) {
	ticker := time.NewTicker(rebindInterval)
	defer ticker.Stop()

	mime := webrtc.MimeTypeOpus
	if video {
		mime = webrtc.MimeTypeVP8
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ""
		case <-ticker.C:
		}

		videoTrack, audioTrack := s.tracks()
		t := audioTrack
		if video {
			t = videoTrack
		}
		if t == nil || t.Stopped() || t.ID() == oldID {
			continue
		}
		enc, ok := t.(EncodedTrack)
		if !ok {
			continue
		}
		r, err := enc.NewEncodedReader(mime)
		if err != nil {
			s.logger.Warn("Cannot record replacement track", zap.String("track", t.ID()), zap.Error(err))
			oldID = t.ID()
			continue
		}
		if !s.swapReader(ctx, old, r) {
			return nil, ""
		}
		s.logger.Info("Capture moved to new track", zap.Bool("video", video), zap.String("track", t.ID()))
		return r, t.ID()
	}
}

func (s *WebMSource) swapReader(ctx context.Context, old, r mediadevices.EncodedReadCloser) bool {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	if ctx.Err() != nil {
		_ = r.Close()
		return false
	}
	for i := range s.readers {
		if s.readers[i] == old {
			s.readers[i] = r
			_ = old.Close()
			return true
		}
	}
	s.readers = append(s.readers, r)
	return true
}

func (s *WebMSource) flushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b := s.out.take(); len(b) > 0 {
				s.onChunk(b)
			}
		}
	}
}

// Stop ends capture, finalizes the WebM stream and emits what is left.
func (s *WebMSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.cancel()
	var errs []error
	s.readersMu.Lock()
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.readers = nil
	s.readersMu.Unlock()
	s.wg.Wait()

	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-s.out.closed:
	case <-time.After(flushTimeout):
		errs = append(errs, errors.New("timed out finalizing WebM stream"))
	}

	if b := s.out.take(); len(b) > 0 {
		s.onChunk(b)
	}
	s.writers = nil
	return errors.Join(errs...)
}

// chunkWriter collects muxer output until the next flush.
type chunkWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newChunkWriter() *chunkWriter {
	return &chunkWriter{closed: make(chan struct{})}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// Close is called by the muxer once every track writer has closed.
func (c *chunkWriter) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *chunkWriter) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	return out
}
