package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingHub = errors.New("broadcast: hub required")

// HubTransportConfig describes a HubTransport.
type HubTransportConfig struct {
	Hub       *Hub
	Validator TokenValidator
	Logger    *zap.Logger
}

// HubTransport is an in-process channel transport backed by a Hub. It also
// serves as the handshake's credential propagator.
type HubTransport struct {
	credentialState
	hub       *Hub
	validator TokenValidator
	origin    string
	logger    *zap.Logger
}

// NewHubTransport constructs a transport that joins topics on the hub.
func NewHubTransport(cfg HubTransportConfig) (*HubTransport, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubTransport{
		hub:       cfg.Hub,
		validator: cfg.Validator,
		origin:    uuid.NewString(),
		logger:    logger,
	}, nil
}

// Channel returns an unjoined handle for the topic.
func (t *HubTransport) Channel(topic string, options channels.Options) channels.TransportChannel {
	return &hubChannel{transport: t, topic: topic, options: options, handlers: newHandlerSet()}
}

// RemoveChannel releases the hub subscription behind the handle.
func (t *HubTransport) RemoveChannel(ctx context.Context, channel channels.TransportChannel) error {
	if hc, ok := channel.(*hubChannel); ok {
		return hc.Unsubscribe(ctx)
	}
	return nil
}

// Publish broadcasts an event on the topic as this transport.
func (t *HubTransport) Publish(ctx context.Context, topic, event string, payload []byte) error {
	return t.hub.Publish(ctx, Message{Topic: topic, Event: event, Payload: payload, Origin: t.origin, Timestamp: time.Now().UTC()})
}

type hubChannel struct {
	transport *HubTransport
	topic     string
	options   channels.Options
	handlers  *handlerSet

	mu      sync.Mutex
	cleanup func()
	done    chan struct{}
}

func (c *hubChannel) Topic() string { return c.topic }

func (c *hubChannel) On(eventName string, handler channels.RawHandler) {
	c.handlers.add(eventName, handler)
}

func (c *hubChannel) Subscribe(_ context.Context, onStatus channels.StatusFunc) error {
	if c.options.Private {
		if _, err := AuthorizeTopic(c.transport.validator, c.transport.token(), c.topic); err != nil {
			c.transport.logger.Info("private join refused", zap.String("channel", c.topic), zap.Error(err))
			onStatus(channels.StatusErrored, err)
			return nil
		}
	}

	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		onStatus(channels.StatusSubscribed, nil)
		return nil
	}
	stream, cleanup := c.transport.hub.Subscribe(context.Background(), c.topic)
	c.cleanup = cleanup
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	onStatus(channels.StatusSubscribed, nil)
	go c.pump(stream, done)
	return nil
}

func (c *hubChannel) pump(stream <-chan Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case message := <-stream:
			if !c.options.BroadcastSelf && message.Origin == c.transport.origin {
				continue
			}
			c.handlers.deliver(message)
		}
	}
}

func (c *hubChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.cleanup()
	return nil
}
