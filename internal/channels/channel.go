package channels

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
	"go.uber.org/zap"
)

// Channel is a managed subscription bound to one tenant and resource.
type Channel struct {
	config    Config
	topic     string
	manager   *Manager
	transport TransportChannel
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	released  bool
	listeners map[string][]Listener
}

// Topic returns the channel name.
func (c *Channel) Topic() string {
	return c.topic
}

// Config returns the configuration the channel was opened with.
func (c *Channel) Config() Config {
	return c.config
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a listener for an event name. The transport handler for a name is
// bound on the first registration only.
func (c *Channel) On(eventName string, listener Listener) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	_, bound := c.listeners[eventName]
	c.listeners[eventName] = append(c.listeners[eventName], listener)
	c.mu.Unlock()

	if !bound {
		c.transport.On(eventName, func(deliveredName string, payload []byte) {
			c.deliver(eventName, deliveredName, payload)
		})
	}
	return nil
}

// Subscribe asks the transport to join the channel. Transitions are mirrored into
// the channel state and forwarded to onStatus until the channel is released.
func (c *Channel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state == StateSubscribed || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.transport.Subscribe(ctx, func(status Status, statusErr error) {
		if !c.transition(status) {
			return
		}
		if onStatus != nil {
			onStatus(status, statusErr)
		}
	})
	if err != nil {
		c.mu.Lock()
		if !c.released {
			c.state = StateErrored
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) transition(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return false
	}
	switch status {
	case StatusSubscribed:
		c.state = StateSubscribed
	case StatusErrored:
		c.state = StateErrored
	case StatusClosed:
		c.state = StateClosed
	case StatusTimedOut:
		// no transition; the caller decides whether a timeout is fatal
	}
	return true
}

func (c *Channel) deliver(boundName, deliveredName string, payload []byte) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	listeners := append([]Listener(nil), c.listeners[boundName]...)
	c.mu.Unlock()

	event := events.Normalize(deliveredName, payload)
	if !event.Known() {
		c.logger.Debug("ignoring unrecognized payload", zap.String("event", deliveredName))
		return
	}
	for _, listener := range listeners {
		listener(deliveredName, event)
	}
}

func (c *Channel) release(ctx context.Context) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.state = StateClosed
	c.listeners = make(map[string][]Listener)
	c.mu.Unlock()

	if err := c.transport.Unsubscribe(ctx); err != nil {
		c.logger.Warn("channel unsubscribe failed", zap.Error(err))
	}
	if err := c.manager.transport.RemoveChannel(ctx, c.transport); err != nil {
		c.logger.Warn("channel release failed", zap.Error(err))
	}
}
