// Package recorder captures the investigator's outgoing media into an
// in-memory chunk buffer and hands the finished recording to object
// storage.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/metrics"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateUploading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateUploading:
		return "uploading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChunkSource produces encoded media while started. Stop flushes any
// buffered media through onChunk before returning.
type ChunkSource interface {
	Start(ctx context.Context, onChunk func([]byte)) error
	Stop() error
}

// Listener is told how an upload ended. Methods are called from the
// upload goroutine, never from Start, Stop or Abort.
type Listener interface {
	RecordingCompleted(rec storage.Recording)
	RecordingFailed(err error)
}

type Config struct {
	CallID      string
	ClaimID     string
	ClaimNumber string
	ContentType string

	// UploadAttempts of 1 means a single attempt with no retry.
	UploadAttempts int
	UploadTimeout  time.Duration
	RetryBackoff   time.Duration
}

// Pipeline is the recording state machine for one call:
// Idle -> Recording -> Stopping -> Uploading -> Completed | Failed.
type Pipeline struct {
	config   Config
	source   ChunkSource
	uploader storage.Uploader
	index    storage.RecordingIndex
	listener Listener
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	history   []State
	gen       uint64
	chunks    [][]byte
	progress  int
	startedBy string
	startedAt time.Time
	cancel    context.CancelFunc
	lastURL   string
	done      chan struct{}
}

// NewPipeline wires a pipeline. index, listener and m may be nil.
func NewPipeline(config Config, source ChunkSource, uploader storage.Uploader, index storage.RecordingIndex, listener Listener, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.L()
	}
	if config.ContentType == "" {
		config.ContentType = "video/webm"
	}
	if config.UploadAttempts < 1 {
		config.UploadAttempts = 1
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 10 * time.Minute
	}
	return &Pipeline{
		config:   config,
		source:   source,
		uploader: uploader,
		index:    index,
		listener: listener,
		metrics:  m,
		logger:   logger.Named("recorder").With(zap.String("callId", config.CallID)),
		state:    StateIdle,
		history:  []State{StateIdle},
	}
}

// SetListener replaces the listener. It must be called before Start.
func (p *Pipeline) SetListener(l Listener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

func (p *Pipeline) setStateLocked(s State) {
	p.state = s
	p.history = append(p.history, s)
}

// Start begins capturing. A finished pipeline (Completed or Failed) may
// be started again. Capture runs until Stop or Abort, not until ctx is
// done.
func (p *Pipeline) Start(ctx context.Context, startedBy string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle, StateCompleted, StateFailed:
	default:
		return callerr.Newf(callerr.Recording, "start", "recording already %s", p.state)
	}

	p.gen++
	p.chunks = nil
	p.progress = 0
	p.startedBy = startedBy
	p.startedAt = time.Now()
	p.setStateLocked(StateRecording)

	gen := p.gen
	if err := p.source.Start(context.WithoutCancel(ctx), func(b []byte) { p.appendChunk(gen, b) }); err != nil {
		p.setStateLocked(StateFailed)
		p.setStateLocked(StateIdle)
		p.metrics.RecordRecording("failed")
		if callerr.KindOf(err) == callerr.Unknown {
			err = callerr.New(callerr.Recording, "start", err)
		}
		return err
	}

	p.logger.Info("Recording started", zap.String("startedBy", startedBy))
	return nil
}

func (p *Pipeline) appendChunk(gen uint64, b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || (p.state != StateRecording && p.state != StateStopping) {
		return
	}
	p.chunks = append(p.chunks, append([]byte(nil), b...))
}

// Stop ends capture and starts the upload in the background. With no
// chunks collected it fails with callerr.ErrNoData and uploads nothing.
func (p *Pipeline) Stop(ctx context.Context, stoppedBy string) error {
	p.mu.Lock()
	if p.state != StateRecording {
		state := p.state
		p.mu.Unlock()
		return callerr.Newf(callerr.Recording, "stop", "not recording (%s)", state)
	}
	p.setStateLocked(StateStopping)
	p.mu.Unlock()

	// The source flushes its last chunk through appendChunk, so it is
	// stopped without the lock.
	if err := p.source.Stop(); err != nil {
		p.logger.Warn("Chunk source did not stop cleanly", zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopping {
		// aborted while the source was stopping
		return callerr.New(callerr.Recording, "stop", context.Canceled)
	}

	if len(p.chunks) == 0 {
		p.setStateLocked(StateFailed)
		p.setStateLocked(StateIdle)
		p.metrics.RecordRecording("empty")
		p.logger.Warn("Recording stopped with no data")
		return callerr.New(callerr.Recording, "stop", callerr.ErrNoData)
	}

	data := bytes.Join(p.chunks, nil)
	rec := storage.Recording{
		ID:          uuid.NewString(),
		CallID:      p.config.CallID,
		ClaimID:     p.config.ClaimID,
		ClaimNumber: p.config.ClaimNumber,
		ContentType: p.config.ContentType,
		SizeBytes:   int64(len(data)),
		Chunks:      len(p.chunks),
		StartedBy:   p.startedBy,
		StoppedBy:   stoppedBy,
		StartedAt:   p.startedAt,
		StoppedAt:   time.Now(),
	}
	p.chunks = nil
	p.setStateLocked(StateUploading)

	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.UploadTimeout)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.upload(uploadCtx, cancel, p.gen, data, rec, p.done)

	p.logger.Info("Recording stopped, uploading",
		zap.String("stoppedBy", stoppedBy),
		zap.Int("chunks", rec.Chunks),
		zap.Int64("bytes", rec.SizeBytes))
	return nil
}

func (p *Pipeline) upload(ctx context.Context, cancel context.CancelFunc, gen uint64, data []byte, rec storage.Recording, done chan struct{}) {
	defer close(done)
	defer cancel()

	metadata := map[string]string{
		"callId":    rec.CallID,
		"startedBy": rec.StartedBy,
	}
	if rec.ClaimID != "" {
		metadata["claimId"] = rec.ClaimID
	}
	if rec.ClaimNumber != "" {
		metadata["claimNumber"] = rec.ClaimNumber
	}

	onProgress := func(transferred, total int64) {
		pct := storage.Percent(transferred, total)
		p.mu.Lock()
		if gen == p.gen && pct > p.progress {
			p.progress = pct
		}
		p.mu.Unlock()
	}

	ebo := backoff.NewExponentialBackOff()
	if p.config.RetryBackoff > 0 {
		ebo.InitialInterval = p.config.RetryBackoff
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(p.config.UploadAttempts-1)), ctx)

	start := time.Now()
	var url string
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		u, err := p.uploader.Upload(ctx, data, rec.ContentType, metadata, onProgress)
		if err != nil {
			p.logger.Warn("Upload attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		url = u
		return nil
	}, policy)

	p.mu.Lock()
	if gen != p.gen || p.state != StateUploading {
		p.mu.Unlock()
		p.logger.Info("Upload finished after the recording was abandoned", zap.Error(err))
		return
	}
	if err != nil {
		p.setStateLocked(StateFailed)
		p.setStateLocked(StateIdle)
		listener := p.listener
		p.mu.Unlock()

		p.metrics.RecordRecording("failed")
		uerr := callerr.New(callerr.Upload, "upload", err)
		p.logger.Error("Recording upload failed", zap.Int("attempts", attempt), zap.Error(err))
		if listener != nil {
			listener.RecordingFailed(uerr)
		}
		return
	}

	rec.URL = url
	p.progress = 100
	p.lastURL = url
	p.setStateLocked(StateCompleted)
	listener := p.listener
	p.mu.Unlock()

	p.metrics.RecordRecording("completed")
	p.metrics.RecordUpload(len(data), time.Since(start))
	p.logger.Info("Recording uploaded", zap.String("url", url), zap.Int64("bytes", rec.SizeBytes))

	if p.index != nil {
		if err := p.index.SaveRecording(ctx, &rec); err != nil {
			p.logger.Error("Failed to index recording", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	if listener != nil {
		listener.RecordingCompleted(rec)
	}
}

// Abort abandons the recording without waiting: capture stops, an
// in-flight upload is cancelled and the recording is marked Failed.
// Finished pipelines are left as they are.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	state := p.state
	switch state {
	case StateRecording, StateStopping, StateUploading:
	default:
		p.mu.Unlock()
		return
	}
	p.gen++
	p.chunks = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.setStateLocked(StateFailed)
	p.mu.Unlock()

	p.metrics.RecordRecording("aborted")
	if state == StateRecording {
		if err := p.source.Stop(); err != nil {
			p.logger.Warn("Chunk source did not stop cleanly", zap.Error(err))
		}
	}
	p.logger.Info("Recording abandoned", zap.String("state", state.String()))
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status is State as a string.
func (p *Pipeline) Status() string {
	return p.State().String()
}

func (p *Pipeline) History() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.history...)
}

// Progress is the upload progress of the current recording, 0-100.
func (p *Pipeline) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Pipeline) ChunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

func (p *Pipeline) LastURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

// Wait blocks until the current upload, if any, has returned.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for upload: %w", ctx.Err())
	}
}
