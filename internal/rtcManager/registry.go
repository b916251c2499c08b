package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/signaling"
)

var (
	ErrUnknownCall   = errors.New("unknown call")
	ErrDuplicateCall = errors.New("call already registered")
)

// Registry tracks the sessions this process runs. Sessions are routed
// inbound signaling by call id and removed once they reach a terminal
// state.
type Registry struct {
	router *signaling.Router
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Manager
}

func NewRegistry(router *signaling.Router, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{
		router:   router,
		logger:   logger.Named("registry"),
		sessions: make(map[string]*Manager),
	}
}

func (r *Registry) Add(m *Manager) error {
	id := m.CallID()
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCall, id)
	}
	r.sessions[id] = m
	r.mu.Unlock()

	m.setOnClosed(r.remove)
	if r.router != nil {
		r.router.Register(id, m)
	}
	r.logger.Info("Session registered", zap.String("callId", id), zap.String("role", string(m.Role())))
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	if r.router != nil {
		r.router.Unregister(id)
	}
	r.logger.Info("Session removed", zap.String("callId", id))
}

func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	return m, ok
}

// List returns a snapshot of every live session ordered by call id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) End(ctx context.Context, id string) error {
	m, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return m.EndCall(ctx)
}

func (r *Registry) SetRecording(ctx context.Context, id string, on bool) error {
	m, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return m.SetRecording(ctx, on)
}

// CallDetail is a session snapshot plus its recent link quality.
type CallDetail struct {
	Snapshot
	QualityHistory []QualitySample `json:"qualityHistory"`
}

func (r *Registry) Describe(id string) (CallDetail, error) {
	m, ok := r.Get(id)
	if !ok {
		return CallDetail{}, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return CallDetail{Snapshot: m.Snapshot(), QualityHistory: m.QualityHistory()}, nil
}

// Screenshot captures and uploads a still from the call's outgoing video.
func (r *Registry) Screenshot(ctx context.Context, id string) (string, error) {
	m, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return m.TakeScreenshot(ctx)
}

// EndAll hangs up every live session.
func (r *Registry) EndAll(ctx context.Context) {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		if err := m.EndCall(ctx); err != nil {
			r.logger.Warn("Failed to end session", zap.String("callId", m.CallID()), zap.Error(err))
		}
	}
}
