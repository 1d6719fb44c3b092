package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleChannelSocket streams a hub topic to a websocket client as envelopes.
// Private topics require an access token for the topic's tenant, passed as the
// access_token query parameter or a bearer header.
func (h *httpHandler) handleChannelSocket(c *gin.Context) {
	topic := c.Param("topic")
	_, tenantID, resource, err := channels.ParseTopic(topic)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
		return
	}
	preset, err := channels.LookupPreset(resource)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_resource"})
		return
	}

	if preset.Private {
		token := c.Query("access_token")
		if token == "" {
			token, _ = bearerToken(c.GetHeader("Authorization"))
		}
		claims, err := broadcast.AuthorizeTopic(h.tokens, token, topic)
		if err != nil {
			h.logger.Info("socket join refused", zap.String("channel", topic), zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if preset.RequiresMembership {
			member, err := h.members.IsMember(c.Request.Context(), tenantID, claims.Subject)
			if err != nil || !member {
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
		}
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.String("channel", topic), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.hub.Subscribe(ctx, topic)
	defer cleanup()

	go drainSocket(conn, cancel)

	h.logger.Debug("socket subscribed", zap.String("channel", topic))
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(socketWriteWait))
			return
		case message := <-stream:
			data, err := broadcast.EncodeMessage(message)
			if err != nil {
				h.logger.Warn("socket encode failed", zap.String("channel", topic), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("socket write failed", zap.String("channel", topic), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainSocket consumes client frames so control messages are processed, and
// cancels the stream once the client goes away.
func drainSocket(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
