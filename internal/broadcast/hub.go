package broadcast

import (
	"context"
	"sync"
	"time"
)

const defaultSubscriberBuffer = 16

// Message is one broadcast on a topic.
type Message struct {
	Topic   string
	Event   string
	Payload []byte
	// Origin identifies the publishing transport, used to honour broadcast-self.
	Origin    string
	Timestamp time.Time
}

// Publisher sends a message to every subscriber of its topic.
type Publisher interface {
	Publish(ctx context.Context, message Message) error
}

// Hub fans broadcast messages out to in-process subscribers by topic.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	stream chan Message
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a subscriber for the topic. The subscription ends when ctx
// is done or the returned cleanup runs. The stream is never closed.
func (h *Hub) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Message, h.bufferSize),
	}
	h.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregisterSubscriber(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to the topic's subscribers. Slow subscribers
// miss messages rather than block the publisher.
func (h *Hub) Publish(_ context.Context, message Message) error {
	if message.Topic == "" || message.Event == "" {
		return nil
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	subscribers := h.subscribers[message.Topic]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return nil
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
	return nil
}

// SubscriberCount reports the live subscribers of a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) registerSubscriber(topic string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[topic]; !ok {
		h.subscribers[topic] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[topic][subscriber.id] = subscriber
}

func (h *Hub) unregisterSubscriber(topic string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, topic)
		}
	}
	h.mu.Unlock()
}
