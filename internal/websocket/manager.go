package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Hub fans session events out to connected UI subscribers.
type Hub struct {
	subscribers    map[string]*Subscriber
	mu             sync.RWMutex
	Register       chan *Subscriber
	Unregister     chan *Subscriber
	maxSubscribers int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	logger         *slog.Logger
	done           chan struct{}
}

func NewHub(maxSubscribers int, writeWait, pongWait, pingPeriod time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		subscribers:    make(map[string]*Subscriber),
		Register:       make(chan *Subscriber),
		Unregister:     make(chan *Subscriber),
		maxSubscribers: maxSubscribers,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case s := <-h.Register:
			h.register(s)

		case s := <-h.Unregister:
			h.remove(s)
		}
	}
}

// Join registers s with a running hub. It reports false once the hub has
// stopped.
func (h *Hub) Join(s *Subscriber) bool {
	select {
	case h.Register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) register(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxSubscribers > 0 && len(h.subscribers) >= h.maxSubscribers {
		h.logger.Warn("[Hub] max subscribers reached", "subscriber", s.ID)
		close(s.Send)
		return
	}

	h.subscribers[s.ID] = s
	h.logger.Info("[Hub] subscriber registered", "subscriber", s.ID)
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[s.ID]; ok {
		delete(h.subscribers, s.ID)
		close(s.Send)
		h.logger.Info("[Hub] subscriber unregistered", "subscriber", s.ID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subscribers {
		delete(h.subscribers, id)
		close(s.Send)
	}
}

// Publish never blocks; a subscriber whose buffer is full is dropped.
func (h *Hub) Publish(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("[Hub] error marshaling event", "type", event.Type, "error", err)
		return
	}

	var lagging []*Subscriber
	h.mu.RLock()
	for _, s := range h.subscribers {
		select {
		case s.Send <- data:
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range lagging {
		h.logger.Warn("[Hub] subscriber send buffer full, closing connection", "subscriber", s.ID)
		h.remove(s)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
