package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Router dispatches inbound messages to the handler registered for their
// callId.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.L()
	}
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger.Named("router"),
	}
}

func (r *Router) Register(callID string, h Handler) {
	r.mu.Lock()
	r.handlers[callID] = h
	r.mu.Unlock()
}

func (r *Router) Unregister(callID string) {
	r.mu.Lock()
	delete(r.handlers, callID)
	r.mu.Unlock()
}

func (r *Router) HandleMessage(ctx context.Context, msg Message) {
	r.mu.RLock()
	h, ok := r.handlers[msg.CallID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("No session for message",
			zap.String("type", string(msg.Type)),
			zap.String("callId", msg.CallID))
		return
	}
	h.HandleMessage(ctx, msg)
}
