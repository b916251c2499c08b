package rtcManager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mikeyg42/fieldcall/internal/signaling"
)

func sampleAt(sec int) QualitySample {
	return QualitySample{
		At:    time.Unix(int64(sec), 0),
		Stats: signaling.ConnectionStats{BandwidthKbps: float64(sec)},
	}
}

func kbps(samples []QualitySample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Stats.BandwidthKbps
	}
	return out
}

func TestCircularSampleBuffer(t *testing.T) {
	cb := NewCircularSampleBuffer(3)
	assert.Empty(t, cb.All())
	assert.Empty(t, cb.Recent(5))

	cb.Add(sampleAt(1))
	cb.Add(sampleAt(2))
	assert.Equal(t, []float64{1, 2}, kbps(cb.All()))
	assert.Equal(t, []float64{2, 1}, kbps(cb.Recent(5)))

	cb.Add(sampleAt(3))
	cb.Add(sampleAt(4))
	cb.Add(sampleAt(5))
	assert.Equal(t, 3, cb.Len())
	assert.Equal(t, []float64{3, 4, 5}, kbps(cb.All()))
	assert.Equal(t, []float64{5, 4}, kbps(cb.Recent(2)))

	cb.Clear()
	assert.Equal(t, 0, cb.Len())
	cb.Add(sampleAt(6))
	assert.Equal(t, []float64{6}, kbps(cb.All()))
}

func TestCircularSampleBufferMinimumCapacity(t *testing.T) {
	cb := NewCircularSampleBuffer(0)
	cb.Add(sampleAt(1))
	cb.Add(sampleAt(2))
	assert.Equal(t, []float64{2}, kbps(cb.All()))
}
