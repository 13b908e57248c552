package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mikuai/internal/models"
)

const defaultBuffer = 32

// Hub fans events out to in-process subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
	now    func() time.Time
}

type Subscription struct {
	C    <-chan Event
	ch   chan Event
	hub  *Hub
	once sync.Once
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("event dropped for slow subscriber", zap.String("type", ev.Type))
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) OnAssistantMessage(sessionID int64, text string) {
	h.Publish(Event{Type: TypeAssistantMessage, SessionID: sessionID, Text: text, Time: h.now()})
}

func (h *Hub) OnBusy(sessionID int64) {
	h.Publish(Event{Type: TypeBusy, SessionID: sessionID, Time: h.now()})
}

func (h *Hub) OnIdle(sessionID int64) {
	h.Publish(Event{Type: TypeIdle, SessionID: sessionID, Time: h.now()})
}

func (h *Hub) OnVoiceResult(res models.VoiceResult) {
	h.Publish(voiceEvent(res, h.now()))
}
