package rtcManager

import (
	"sync"
	"time"

	"github.com/mikeyg42/fieldcall/internal/signaling"
)

// QualitySample is one classified monitoring period.
type QualitySample struct {
	At    time.Time                 `json:"at"`
	Stats signaling.ConnectionStats `json:"stats"`
}

// CircularSampleBuffer keeps the last capacity quality samples.
type CircularSampleBuffer struct {
	mu   sync.RWMutex
	data []QualitySample
	head int // next write position
	size int
}

func NewCircularSampleBuffer(capacity int) *CircularSampleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CircularSampleBuffer{data: make([]QualitySample, capacity)}
}

func (cb *CircularSampleBuffer) Add(s QualitySample) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.data[cb.head] = s
	cb.head = (cb.head + 1) % len(cb.data)
	if cb.size < len(cb.data) {
		cb.size++
	}
}

// Recent returns up to n samples, newest first.
func (cb *CircularSampleBuffer) Recent(n int) []QualitySample {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if n > cb.size {
		n = cb.size
	}
	out := make([]QualitySample, n)
	for i := 0; i < n; i++ {
		out[i] = cb.data[(cb.head-1-i+2*len(cb.data))%len(cb.data)]
	}
	return out
}

// All returns every stored sample, oldest first.
func (cb *CircularSampleBuffer) All() []QualitySample {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]QualitySample, cb.size)
	start := (cb.head - cb.size + len(cb.data)) % len(cb.data)
	for i := range out {
		out[i] = cb.data[(start+i)%len(cb.data)]
	}
	return out
}

func (cb *CircularSampleBuffer) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *CircularSampleBuffer) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.head, cb.size = 0, 0
}
