package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer of each Hub subscriber.
const subscriberBufferSize = 64

// Hub is an in-process Channel. Publish never blocks: events for a subscriber
// whose buffer is full are dropped, like any other best-effort loss.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*hubSub // topic -> sub id -> sub
	logger *slog.Logger
}

// NewHub creates a Hub. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[string]*hubSub),
		logger: logger.With("component", "hub"),
	}
}

type hubSub struct {
	hub   *Hub
	topic string
	id    string
	ch    chan Event
	once  sync.Once
}

func (s *hubSub) Events() <-chan Event { return s.ch }

func (s *hubSub) Close() error {
	s.hub.remove(s.topic, s.id)
	return nil
}

// Subscribe registers a subscriber for topic. The subscription also ends when
// ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	s := &hubSub{
		hub:   h,
		topic: topic,
		id:    uuid.NewString(),
		ch:    make(chan Event, subscriberBufferSize),
	}

	h.mu.Lock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]*hubSub)
	}
	h.topics[topic][s.id] = s
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "topic", topic, "sub_id", s.id)

	go func() {
		<-ctx.Done()
		h.remove(topic, s.id)
	}()
	return s, nil
}

// Publish delivers ev to every current subscriber of topic.
func (h *Hub) Publish(_ context.Context, topic string, ev Event) error {
	h.mu.RLock()
	subs := h.topics[topic]
	targets := make([]*hubSub, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (s *hubSub) deliver(ev Event) {
	// The read lock keeps remove from closing ch mid-send.
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if _, ok := s.hub.topics[s.topic][s.id]; !ok {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.hub.logger.Debug("dropped event for slow subscriber", "topic", s.topic, "kind", ev.Kind)
	}
}

// Disconnect ends every subscription of topic as if the connection dropped.
func (h *Hub) Disconnect(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.topics[topic] {
		s.once.Do(func() { close(s.ch) })
		delete(h.topics[topic], id)
	}
	delete(h.topics, topic)
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	s, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	s.once.Do(func() { close(s.ch) })
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	h.logger.Debug("subscriber removed", "topic", topic, "sub_id", id)
}
