package rtcManager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/fieldcall/internal/signaling"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		kbps float64
		lost int64
		want signaling.Quality
	}{
		{"good", 2000, 0, signaling.QualityGood},
		{"good at fair boundary", 500, 5, signaling.QualityGood},
		{"fair bandwidth", 499, 0, signaling.QualityFair},
		{"fair loss", 1000, 6, signaling.QualityFair},
		{"fair at poor boundary", 100, 10, signaling.QualityFair},
		{"poor bandwidth", 99.9, 0, signaling.QualityPoor},
		{"poor loss", 5000, 11, signaling.QualityPoor},
		{"idle link", 0, 0, signaling.QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.kbps, tt.lost))
		})
	}
}

func TestMeasure(t *testing.T) {
	prev := StatsSample{BytesSent: 1000, BytesReceived: 5000, PacketsLost: 3}
	cur := StatsSample{BytesSent: 63_500, BytesReceived: 5000, PacketsLost: 4, Width: 640, Height: 480}

	stats := measure(prev, cur, 5*time.Second)
	assert.InDelta(t, 100.0, stats.BandwidthKbps, 0.001)
	assert.Equal(t, int64(1), stats.PacketsLost)
	assert.Equal(t, uint32(640), stats.Width)
	assert.Equal(t, signaling.QualityFair, stats.Quality)

	// receiving side: upstream is small but downstream is busy
	stats = measure(StatsSample{BytesSent: 100}, StatsSample{BytesSent: 200, BytesReceived: 625_000}, 5*time.Second)
	assert.InDelta(t, 1000.0, stats.BandwidthKbps, 0.001)
	assert.Equal(t, signaling.QualityGood, stats.Quality)

	// counters restarted with a new transport
	stats = measure(StatsSample{BytesSent: 900_000, PacketsLost: 40}, StatsSample{BytesSent: 10_000, PacketsLost: 2}, 5*time.Second)
	assert.InDelta(t, 16.0, stats.BandwidthKbps, 0.001)
	assert.Equal(t, int64(2), stats.PacketsLost)

	stats = measure(prev, cur, 0)
	assert.Zero(t, stats.BandwidthKbps)
}

type scriptedStats struct {
	mu      sync.Mutex
	samples []StatsSample
	err     error
	reads   int
}

func (s *scriptedStats) Stats() (StatsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return StatsSample{}, s.err
	}
	if len(s.samples) == 0 {
		return StatsSample{}, nil
	}
	out := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return out, nil
}

func TestQualityMonitor(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedStats{samples: []StatsSample{
		{BytesSent: 0},
		{BytesSent: 10_000},
		{BytesSent: 20_000},
		{BytesSent: 1_020_000},
		{BytesSent: 1_030_000},
	}}

	var samples []signaling.ConnectionStats
	poor := 0
	mon := NewQualityMonitor(src, clock, 5*time.Second, QualityHandlers{
		OnSample: func(s signaling.ConnectionStats) { samples = append(samples, s) },
		OnPoor:   func(signaling.ConnectionStats) { poor++ },
	}, zaptest.NewLogger(t))

	mon.Start()
	mon.Start()
	assert.Equal(t, 1, clock.Active(), "starting twice schedules one period")

	clock.Advance(20 * time.Second)
	require.Len(t, samples, 4)
	assert.Equal(t, []signaling.Quality{
		signaling.QualityPoor,
		signaling.QualityPoor,
		signaling.QualityGood,
		signaling.QualityPoor,
	}, []signaling.Quality{samples[0].Quality, samples[1].Quality, samples[2].Quality, samples[3].Quality})
	assert.Equal(t, 2, poor)
	assert.Len(t, mon.History(), 4)

	mon.Stop()
	assert.False(t, mon.Running())
	assert.Equal(t, 0, clock.Active())
	clock.Advance(time.Minute)
	assert.Len(t, samples, 4)
}

func TestQualityMonitorSkipsFailedReads(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedStats{}
	calls := 0
	mon := NewQualityMonitor(src, clock, time.Second, QualityHandlers{
		OnSample: func(signaling.ConnectionStats) { calls++ },
	}, zaptest.NewLogger(t))

	mon.Start()
	src.mu.Lock()
	src.err = errors.New("transport closed")
	src.mu.Unlock()

	clock.Advance(3 * time.Second)
	assert.Zero(t, calls)
	assert.Equal(t, 1, clock.Active(), "the monitor keeps polling")
	mon.Stop()
}
