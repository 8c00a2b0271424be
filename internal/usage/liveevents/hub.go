package liveevents

import (
	"errors"
	"strings"
	"sync"
)

const (
	KindUsage = "usage"
	KindCost  = "cost"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

// LiveEvent is the stream view of a recorded usage or cost event.
type LiveEvent struct {
	Kind         string `json:"kind"`
	EventID      string `json:"event_id"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	Model        string `json:"model,omitempty"`
	MetricType   string `json:"metric_type,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	Cost         string `json:"cost"`
	RecordedAt   string `json:"recorded_at"`
}

// Hub fans recorded events out to per-tenant subscribers. Streams exist only
// while someone is subscribed; each keeps a short replay buffer.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []LiveEvent
	subs   map[uint64]chan LiveEvent
	nextID uint64
}

type Subscription struct {
	hub      *Hub
	tenantID string
	id       uint64
	ch       chan LiveEvent
	once     sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(tenantID string, event LiveEvent) {
	if h == nil {
		return
	}
	tenant := strings.TrimSpace(tenantID)
	if tenant == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[tenant]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan LiveEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribe(tenantID string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	tenant := strings.TrimSpace(tenantID)
	if tenant == "" {
		return nil, nil, errors.New("invalid_tenant")
	}

	stream := h.ensureStream(tenant)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan LiveEvent)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]LiveEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:      h,
		tenantID: tenant,
		id:       id,
		ch:       ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(tenantID string) *stream {
	h.mu.RLock()
	current := h.streams[tenantID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[tenantID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan LiveEvent)}
		h.streams[tenantID] = current
	}
	return current
}

func (h *Hub) unsubscribe(tenantID string, id uint64) {
	if h == nil {
		return
	}
	tenant := strings.TrimSpace(tenantID)
	if tenant == "" {
		return
	}

	h.mu.RLock()
	stream := h.streams[tenant]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[tenant]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, tenant)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.tenantID, s.id)
	})
}
