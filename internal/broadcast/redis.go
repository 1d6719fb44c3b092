package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	errMissingRedisClient = errors.New("broadcast: redis client required")
	errConnectionLost     = errors.New("broadcast: connection lost")
)

// RedisPublisher publishes envelopes on Redis pub/sub, one Redis channel per topic.
type RedisPublisher struct {
	client *redis.Client
	origin string
}

// NewRedisPublisher constructs a publisher on the client.
func NewRedisPublisher(client *redis.Client) (*RedisPublisher, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisPublisher{client: client, origin: uuid.NewString()}, nil
}

// Publish encodes and sends the message.
func (p *RedisPublisher) Publish(ctx context.Context, message Message) error {
	if message.Origin == "" {
		message.Origin = p.origin
	}
	data, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, message.Topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", message.Topic, err)
	}
	return nil
}

// RedisTransportConfig describes a RedisTransport.
type RedisTransportConfig struct {
	Client    *redis.Client
	Validator TokenValidator
	Logger    *zap.Logger
}

// RedisTransport is a channel transport over Redis pub/sub.
type RedisTransport struct {
	credentialState
	client    *redis.Client
	validator TokenValidator
	origin    string
	logger    *zap.Logger
}

// NewRedisTransport constructs a transport on the client.
func NewRedisTransport(cfg RedisTransportConfig) (*RedisTransport, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{
		client:    cfg.Client,
		validator: cfg.Validator,
		origin:    uuid.NewString(),
		logger:    logger,
	}, nil
}

// Channel returns an unjoined handle for the topic.
func (t *RedisTransport) Channel(topic string, options channels.Options) channels.TransportChannel {
	return &redisChannel{transport: t, topic: topic, options: options, handlers: newHandlerSet()}
}

// RemoveChannel closes the Redis subscription behind the handle.
func (t *RedisTransport) RemoveChannel(ctx context.Context, channel channels.TransportChannel) error {
	if rc, ok := channel.(*redisChannel); ok {
		return rc.Unsubscribe(ctx)
	}
	return nil
}

type redisChannel struct {
	transport *RedisTransport
	topic     string
	options   channels.Options
	handlers  *handlerSet

	mu       sync.Mutex
	pubsub   *redis.PubSub
	stopping bool
}

func (c *redisChannel) Topic() string { return c.topic }

func (c *redisChannel) On(eventName string, handler channels.RawHandler) {
	c.handlers.add(eventName, handler)
}

// Subscribe joins the Redis channel and waits for the subscription confirmation.
func (c *redisChannel) Subscribe(ctx context.Context, onStatus channels.StatusFunc) error {
	if c.options.Private {
		if _, err := AuthorizeTopic(c.transport.validator, c.transport.token(), c.topic); err != nil {
			c.transport.logger.Info("private join refused", zap.String("channel", c.topic), zap.Error(err))
			onStatus(channels.StatusErrored, err)
			return nil
		}
	}

	pubsub := c.transport.client.Subscribe(ctx, c.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", c.topic, err)
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		_ = pubsub.Close()
		return channels.ErrChannelClosed
	}
	c.pubsub = pubsub
	c.mu.Unlock()

	onStatus(channels.StatusSubscribed, nil)
	go c.pump(pubsub, onStatus)
	return nil
}

func (c *redisChannel) pump(pubsub *redis.PubSub, onStatus channels.StatusFunc) {
	for received := range pubsub.Channel() {
		message, err := DecodeMessage(received.Channel, []byte(received.Payload))
		if err != nil {
			c.transport.logger.Debug("dropping malformed envelope", zap.String("channel", c.topic), zap.Error(err))
			continue
		}
		if !c.options.BroadcastSelf && message.Origin == c.transport.origin {
			continue
		}
		c.handlers.deliver(message)
	}

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if !stopping {
		onStatus(channels.StatusClosed, errConnectionLost)
	}
}

func (c *redisChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	pubsub := c.pubsub
	c.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	return pubsub.Close()
}

// Relay forwards every Redis broadcast matching a pattern into a Hub, so that
// in-process subscribers see events published by other processes.
type Relay struct {
	client  *redis.Client
	hub     *Hub
	pattern string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRelay constructs a relay for topics matching pattern, e.g. "studio:*".
func NewRelay(client *redis.Client, hub *Hub, pattern string, logger *zap.Logger) (*Relay, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if hub == nil {
		return nil, errMissingHub
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, hub: hub, pattern: pattern, logger: logger}, nil
}

// Start subscribes to the pattern and forwards messages until Close.
func (r *Relay) Start(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis psubscribe %s: %w", r.pattern, err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.pubsub = pubsub
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for received := range pubsub.Channel() {
			message, err := DecodeMessage(received.Channel, []byte(received.Payload))
			if err != nil {
				r.logger.Debug("dropping malformed envelope", zap.String("channel", received.Channel), zap.Error(err))
				continue
			}
			if err := r.hub.Publish(context.Background(), message); err != nil {
				r.logger.Warn("relay publish failed", zap.String("channel", received.Channel), zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the relay and waits for the forwarding loop to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	done := r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
