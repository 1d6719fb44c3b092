package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const socketPongWait = 60 * time.Second

var errMissingSocketURL = errors.New("broadcast: socket base url required")

// SocketTransportConfig describes a SocketTransport.
type SocketTransportConfig struct {
	// BaseURL is the ws:// or wss:// root of a studiosync server.
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// SocketTransport joins topics through the server's channel socket endpoint.
// The server enforces private joins; a refused upgrade reports ErrAccessDenied.
type SocketTransport struct {
	credentialState
	baseURL *url.URL
	dialer  *websocket.Dialer
	origin  string
	logger  *zap.Logger
}

func NewSocketTransport(cfg SocketTransportConfig) (*SocketTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingSocketURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("broadcast: parse socket url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketTransport{baseURL: base, dialer: dialer, origin: uuid.NewString(), logger: logger}, nil
}

func (t *SocketTransport) Channel(topic string, options channels.Options) channels.TransportChannel {
	return &socketChannel{transport: t, topic: topic, options: options, handlers: newHandlerSet()}
}

func (t *SocketTransport) RemoveChannel(ctx context.Context, channel channels.TransportChannel) error {
	if sc, ok := channel.(*socketChannel); ok {
		return sc.Unsubscribe(ctx)
	}
	return nil
}

func (t *SocketTransport) endpoint(topic string) string {
	endpoint := *t.baseURL
	endpoint.Path = endpoint.Path + "/channels/" + url.PathEscape(topic) + "/socket"
	return endpoint.String()
}

// dialHeader carries the access token so it never lands in request URLs.
func (t *SocketTransport) dialHeader() http.Header {
	token := t.token()
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

type socketChannel struct {
	transport *SocketTransport
	topic     string
	options   channels.Options
	handlers  *handlerSet

	mu       sync.Mutex
	conn     *websocket.Conn
	stopping bool
}

func (c *socketChannel) Topic() string { return c.topic }

func (c *socketChannel) On(eventName string, handler channels.RawHandler) {
	c.handlers.add(eventName, handler)
}

func (c *socketChannel) Subscribe(ctx context.Context, onStatus channels.StatusFunc) error {
	conn, response, err := c.transport.dialer.DialContext(ctx, c.transport.endpoint(c.topic), c.transport.dialHeader())
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			c.transport.logger.Info("private join refused", zap.String("channel", c.topic), zap.Int("status", response.StatusCode))
			onStatus(channels.StatusErrored, fmt.Errorf("%w: server returned %d", ErrAccessDenied, response.StatusCode))
			return nil
		}
		return fmt.Errorf("socket dial %s: %w", c.topic, err)
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		_ = conn.Close()
		return channels.ErrChannelClosed
	}
	c.conn = conn
	c.mu.Unlock()

	onStatus(channels.StatusSubscribed, nil)
	go c.pump(conn, onStatus)
	return nil
}

func (c *socketChannel) pump(conn *websocket.Conn, onStatus channels.StatusFunc) {
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transport.logger.Debug("socket read ended", zap.String("channel", c.topic), zap.Error(err))
			break
		}
		message, err := DecodeMessage(c.topic, data)
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
	if stopping {
		return
	}
	onStatus(channels.StatusClosed, errConnectionLost)
}

func (c *socketChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
