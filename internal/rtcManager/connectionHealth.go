package rtcManager

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/signaling"
)

const (
	poorBandwidthKbps = 100.0
	fairBandwidthKbps = 500.0
	poorPacketLoss    = 10
	fairPacketLoss    = 5

	qualityHistorySize = 60
)

// Classify maps a period's bandwidth and packet loss to a quality level.
func Classify(bandwidthKbps float64, packetsLost int64) signaling.Quality {
	switch {
	case bandwidthKbps < poorBandwidthKbps || packetsLost > poorPacketLoss:
		return signaling.QualityPoor
	case bandwidthKbps < fairBandwidthKbps || packetsLost > fairPacketLoss:
		return signaling.QualityFair
	default:
		return signaling.QualityGood
	}
}

// QualityHandlers receive monitor output. They are called without the
// monitor's lock held.
type QualityHandlers struct {
	// OnSample runs once per period.
	OnSample func(stats signaling.ConnectionStats)
	// OnPoor runs when the classification enters poor, not again until it
	// has left poor.
	OnPoor func(stats signaling.ConnectionStats)
}

// QualityMonitor samples a StatsSource every interval and classifies the
// connection.
type QualityMonitor struct {
	source   StatsSource
	sched    Scheduler
	interval time.Duration
	handlers QualityHandlers
	history  *CircularSampleBuffer
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   Timer
	last    StatsSample
	lastAt  time.Time
	quality signaling.Quality
}

func NewQualityMonitor(source StatsSource, sched Scheduler, interval time.Duration, handlers QualityHandlers, logger *zap.Logger) *QualityMonitor {
	if logger == nil {
		logger = zap.L()
	}
	return &QualityMonitor{
		source:   source,
		sched:    sched,
		interval: interval,
		handlers: handlers,
		history:  NewCircularSampleBuffer(qualityHistorySize),
		logger:   logger.Named("quality"),
	}
}

// Start takes the baseline reading and schedules the first period. It is
// a no-op while already running.
func (q *QualityMonitor) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	q.running = true
	q.gen++
	q.quality = ""
	q.lastAt = q.sched.Now()
	if s, err := q.source.Stats(); err == nil {
		q.last = s
	} else {
		q.last = StatsSample{}
		q.logger.Warn("Failed to read baseline stats", zap.Error(err))
	}
	q.scheduleLocked()
}

func (q *QualityMonitor) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *QualityMonitor) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// History returns recent periods, oldest first.
func (q *QualityMonitor) History() []QualitySample {
	return q.history.All()
}

func (q *QualityMonitor) scheduleLocked() {
	gen := q.gen
	q.timer = q.sched.AfterFunc(q.interval, func() { q.tick(gen) })
}

func (q *QualityMonitor) tick(gen uint64) {
	q.mu.Lock()
	if !q.running || gen != q.gen {
		q.mu.Unlock()
		return
	}

	now := q.sched.Now()
	cur, err := q.source.Stats()
	if err != nil {
		q.logger.Warn("Failed to read stats", zap.Error(err))
		q.scheduleLocked()
		q.mu.Unlock()
		return
	}

	stats := measure(q.last, cur, now.Sub(q.lastAt))
	prev := q.quality
	q.quality = stats.Quality
	q.last, q.lastAt = cur, now
	q.scheduleLocked()
	q.mu.Unlock()

	q.history.Add(QualitySample{At: now, Stats: stats})
	q.logger.Debug("Connection quality sampled",
		zap.Float64("bandwidthKbps", stats.BandwidthKbps),
		zap.Int64("packetsLost", stats.PacketsLost),
		zap.String("quality", string(stats.Quality)))

	if q.handlers.OnSample != nil {
		q.handlers.OnSample(stats)
	}
	if stats.Quality == signaling.QualityPoor && prev != signaling.QualityPoor && q.handlers.OnPoor != nil {
		q.handlers.OnPoor(stats)
	}
}

// measure derives one period's numbers from two cumulative readings.
// Bandwidth follows the busier direction so a mostly receiving
// participant is not classified by its small upstream.
func measure(prev, cur StatsSample, elapsed time.Duration) signaling.ConnectionStats {
	moved := counterDelta(prev.BytesSent, cur.BytesSent)
	if recv := counterDelta(prev.BytesReceived, cur.BytesReceived); recv > moved {
		moved = recv
	}
	lost := cur.PacketsLost - prev.PacketsLost
	if lost < 0 {
		lost = cur.PacketsLost
	}

	var kbps float64
	if secs := elapsed.Seconds(); secs > 0 {
		kbps = float64(moved*8) / secs / 1000
	}

	return signaling.ConnectionStats{
		BytesSent:     cur.BytesSent,
		BytesReceived: cur.BytesReceived,
		BandwidthKbps: kbps,
		Width:         cur.Width,
		Height:        cur.Height,
		PacketsLost:   lost,
		Quality:       Classify(kbps, lost),
	}
}

// counterDelta tolerates a counter that restarted from zero.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
