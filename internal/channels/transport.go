package channels

import "context"

// Status is a transition reported by the transport for one channel.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusErrored    Status = "errored"
	StatusTimedOut   Status = "timed_out"
	StatusClosed     Status = "closed"
)

// State tracks the lifecycle of a managed channel.
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateErrored    State = "errored"
)

// Options are the flags a transport channel is created with.
type Options struct {
	Private       bool
	BroadcastSelf bool
	BroadcastAck  bool
}

// RawHandler receives one delivery exactly as the transport produced it.
type RawHandler func(eventName string, payload []byte)

// StatusFunc receives channel transitions from the transport.
type StatusFunc func(status Status, err error)

// Transport is the publish/subscribe substrate channels are created on.
type Transport interface {
	Channel(topic string, options Options) TransportChannel
	RemoveChannel(ctx context.Context, channel TransportChannel) error
}

// TransportChannel is one named channel of the transport. Subscribe returns once
// the request is issued; its outcome arrives through the StatusFunc.
type TransportChannel interface {
	Topic() string
	On(eventName string, handler RawHandler)
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	Unsubscribe(ctx context.Context) error
}
