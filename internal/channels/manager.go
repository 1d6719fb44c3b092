package channels

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
	"go.uber.org/zap"
)

var (
	errMissingTransport = errors.New("channels: transport required")
	// ErrChannelClosed indicates an operation on a channel that was already closed.
	ErrChannelClosed = errors.New("channels: channel closed")
)

// Listener receives normalized change events. eventName is the name the
// transport delivered the event under.
type Listener func(eventName string, event events.ChangeEvent)

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Transport Transport
	Logger    *zap.Logger
}

// Manager owns the live channel handles of one subscriber. There is at most
// one handle per topic.
type Manager struct {
	transport Transport
	logger    *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager constructs a Manager bound to the transport.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport: cfg.Transport,
		logger:    logger,
		channels:  make(map[string]*Channel),
	}, nil
}

// Open returns the channel for the configuration. When a channel for the same
// topic is already subscribed it is returned unchanged; a stale handle in any
// other state is released and replaced.
func (m *Manager) Open(ctx context.Context, cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	topic := cfg.Topic()

	m.mu.Lock()
	existing := m.channels[topic]
	if existing != nil && existing.State() == StateSubscribed {
		m.mu.Unlock()
		m.logger.Debug("channel already subscribed", zap.String("channel", topic))
		return existing, nil
	}
	// Check and registration share one critical section.
	channel := &Channel{
		config:    cfg,
		topic:     topic,
		manager:   m,
		logger:    m.logger.With(zap.String("channel", topic)),
		state:     StateClosed,
		listeners: make(map[string][]Listener),
	}
	channel.transport = m.transport.Channel(topic, Options{
		Private:       cfg.Private,
		BroadcastSelf: cfg.BroadcastSelf,
		BroadcastAck:  cfg.BroadcastAck,
	})
	m.channels[topic] = channel
	m.mu.Unlock()

	if existing != nil {
		existing.release(ctx)
	}
	return channel, nil
}

// Close releases the channel and its listeners. It is safe to call repeatedly.
func (m *Manager) Close(ctx context.Context, channel *Channel) {
	if channel == nil {
		return
	}
	m.mu.Lock()
	if m.channels[channel.topic] == channel {
		delete(m.channels, channel.topic)
	}
	m.mu.Unlock()
	channel.release(ctx)
}

// CloseAll releases every channel the manager owns.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	owned := make([]*Channel, 0, len(m.channels))
	for topic, channel := range m.channels {
		owned = append(owned, channel)
		delete(m.channels, topic)
	}
	m.mu.Unlock()
	for _, channel := range owned {
		channel.release(ctx)
	}
}

// Lookup returns the live handle for the topic, if any.
func (m *Manager) Lookup(topic string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[topic]
	return channel, ok
}
