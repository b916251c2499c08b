package notification

import (
	"sync"

	"go.uber.org/zap"
)

// Hub keeps a short history of notices and fans them out to subscribers.
// Slow subscribers lose notices rather than stall the sender.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Notice
	nextID  int
	recent  []Notice
	keep    int
	dropped uint64
	logger  *zap.Logger
}

func NewHub(keep int, logger *zap.Logger) *Hub {
	if keep <= 0 {
		keep = 100
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{
		subs:   make(map[int]chan Notice),
		keep:   keep,
		logger: logger.Named("notice-hub"),
	}
}

func (h *Hub) Notify(n Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, n)
	if len(h.recent) > h.keep {
		h.recent = h.recent[len(h.recent)-h.keep:]
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped++
			h.logger.Debug("Subscriber lagging, notice dropped", zap.Int("subscriber", id))
		}
	}
}

// Subscribe returns a channel of future notices and a cancel func that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns retained notices for callID, oldest first. An empty
// callID returns all of them.
func (h *Hub) Recent(callID string) []Notice {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Notice, 0, len(h.recent))
	for _, n := range h.recent {
		if callID == "" || n.CallID == callID {
			out = append(out, n)
		}
	}
	return out
}
