package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mesaj-chat/backend/internal/chat"
	"go.uber.org/zap"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
)

// Session tokens authenticate socket clients, so origins are not restricted
// here; the browser cannot forge a valid access_token cross-site.
var socketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConversationSocket streams one conversation's messages over a
// websocket: full replay in commit order, then live appends. The socket is
// write-only from the server side; the read loop only detects disconnect.
// Every write carries a deadline and liveness is probed with pings, so a
// client that stops reading is dropped instead of stalling the dispatch
// goroutine. A dropped or detached client reconnects and replays the log.
func (h *httpHandler) handleConversationSocket(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString(userIDContextKey)
	if _, err := chat.OtherParticipant(conversationID, userID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	// Subscription callbacks run on a single goroutine, so writing to the
	// socket from the callback needs no extra locking.
	subscription := h.chat.Subscribe(conversationID, func(message chat.Message) {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := conn.WriteJSON(toMessagePayload(message)); err != nil {
			h.logger.Debug("websocket write failed, closing",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			_ = conn.Close()
		}
	}, nil)

	go func() {
		defer subscription.Cancel()
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// WriteControl is safe alongside the callback's WriteJSON, so pings can
	// run on their own goroutine.
	go func() {
		ticker := time.NewTicker(socketPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-subscription.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
					subscription.Cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()
}
