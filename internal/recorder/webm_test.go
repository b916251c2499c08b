package recorder

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/media"
	"github.com/mikeyg42/fieldcall/internal/media/mediatest"
)

// encodedTrack is a fake camera track whose encoder yields a VP8 keyframe
// every few milliseconds until the track stops or the reader is closed.
type encodedTrack struct {
	*mediatest.Track
	opened *atomic.Int32
}

func newEncodedTrack(id string) encodedTrack {
	return encodedTrack{Track: mediatest.NewTrack(id, webrtc.RTPCodecTypeVideo), opened: &atomic.Int32{}}
}

func (t encodedTrack) NewEncodedReader(string) (mediadevices.EncodedReadCloser, error) {
	t.opened.Add(1)
	return &frameReader{track: t.Track, closed: make(chan struct{})}, nil
}

type frameReader struct {
	track  *mediatest.Track
	closed chan struct{}
	once   sync.Once
}

func (r *frameReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	select {
	case <-r.closed:
		return mediadevices.EncodedBuffer{}, nil, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	if r.track.Stopped() {
		return mediadevices.EncodedBuffer{}, nil, io.EOF
	}
	return mediadevices.EncodedBuffer{
		Data:    []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a},
		Samples: 3000,
	}, func() {}, nil
}

func (r *frameReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *frameReader) Controller() codec.EncoderController { return nil }

type chunkCounter struct {
	mu sync.Mutex
	n  int
}

func (c *chunkCounter) add([]byte) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *chunkCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestChunkWriterTake(t *testing.T) {
	w := newChunkWriter()
	assert.Nil(t, w.take())

	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = w.Write([]byte("def"))
	require.NoError(t, err)

	got := w.take()
	assert.Equal(t, []byte("abcdef"), got)
	assert.Nil(t, w.take())

	// the returned slice is not reused by later writes
	_, _ = w.Write([]byte("xyz"))
	assert.Equal(t, []byte("abcdef"), got)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	select {
	case <-w.closed:
	default:
		t.Fatal("closed channel not signalled")
	}
}

func TestChunkWriterCollectsWebMStream(t *testing.T) {
	out := newChunkWriter()
	writers, err := webm.NewSimpleBlockWriter(out, []webm.TrackEntry{{
		Name:        "Video",
		TrackNumber: videoTrackNumber,
		TrackUID:    videoTrackNumber,
		CodecID:     "V_VP8",
		TrackType:   1,
		Video:       &webm.Video{PixelWidth: 320, PixelHeight: 240},
	}})
	require.NoError(t, err)
	require.Len(t, writers, 1)

	_, err = writers[0].Write(true, 0, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a})
	require.NoError(t, err)
	_, err = writers[0].Write(false, 33, []byte{0x11, 0x02, 0x00})
	require.NoError(t, err)
	require.NoError(t, writers[0].Close())

	select {
	case <-out.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("muxer did not close its output")
	}

	stream := out.take()
	require.Greater(t, len(stream), 4)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, stream[:4], "EBML header")
}

func TestWebMSourceNeedsEncodableVideo(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	none := NewWebMSource(WebMConfig{}, func() (media.LocalTrack, media.LocalTrack) { return nil, nil }, logger)
	err := none.Start(ctx, func([]byte) {})
	assert.ErrorIs(t, err, callerr.ErrNoData)

	plain := NewWebMSource(WebMConfig{}, func() (media.LocalTrack, media.LocalTrack) {
		return mediatest.NewTrack("video-1", webrtc.RTPCodecTypeVideo), nil
	}, logger)
	err = plain.Start(ctx, func([]byte) {})
	assert.ErrorIs(t, err, callerr.ErrUnsupportedFormat)
	assert.True(t, callerr.Is(err, callerr.Recording))

	// stopping a source that never started is a no-op
	assert.NoError(t, plain.Stop())
}

func TestWebMSourceOutlivesStartContext(t *testing.T) {
	video := newEncodedTrack("video-1")
	src := NewWebMSource(WebMConfig{Width: 320, Height: 240, ChunkInterval: 20 * time.Millisecond},
		func() (media.LocalTrack, media.LocalTrack) { return video, nil }, zaptest.NewLogger(t))

	chunks := &chunkCounter{}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx, chunks.add))
	// the request that started capture has returned
	cancel()

	assert.Eventually(t, func() bool { return chunks.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, src.Stop())
}

func TestWebMSourceFollowsReplacedTrack(t *testing.T) {
	var mu sync.Mutex
	current := newEncodedTrack("video-1")
	first := current
	src := NewWebMSource(WebMConfig{Width: 320, Height: 240, ChunkInterval: 20 * time.Millisecond},
		func() (media.LocalTrack, media.LocalTrack) {
			mu.Lock()
			defer mu.Unlock()
			return current, nil
		}, zaptest.NewLogger(t))

	chunks := &chunkCounter{}
	require.NoError(t, src.Start(context.Background(), chunks.add))
	assert.Eventually(t, func() bool { return chunks.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// camera switch: the old track stops, a new one takes its place
	next := newEncodedTrack("video-2")
	mu.Lock()
	require.NoError(t, current.Stop())
	current = next
	mu.Unlock()

	assert.Eventually(t, func() bool { return next.opened.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	mark := chunks.count()
	assert.Eventually(t, func() bool { return chunks.count() >= mark+2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, src.Stop())
	assert.Equal(t, int32(1), first.opened.Load())
}
