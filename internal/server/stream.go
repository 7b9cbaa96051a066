package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mesaj-chat/backend/internal/chat"
	"go.uber.org/zap"
)

const (
	StreamEventIndexChanged = "index-change"
	streamEventHeartbeat    = "heartbeat"
	streamHeartbeatInterval = 15 * time.Second
)

// handleConversationStream serves the live conversation list over SSE. One
// Index instance is created per stream; its subscriptions are torn down when
// the client disconnects.
func (h *httpHandler) handleConversationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	// Buffered by one: only the freshest snapshot matters, so a pending one
	// is replaced rather than queued behind a slow client.
	updates := make(chan []chat.IndexRow, 1)
	index, err := chat.NewIndex(chat.IndexConfig{
		UserID:   userID,
		Service:  h.chat,
		Profiles: h.profiles,
		Logger:   h.logger,
		OnSnapshot: func(rows []chat.IndexRow) {
			for {
				select {
				case updates <- rows:
					return
				default:
					select {
					case <-updates:
					default:
					}
				}
			}
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := index.Start(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	defer index.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	// Initial state so the client can render before the first append.
	c.SSEvent(StreamEventIndexChanged, toIndexRowPayloads(index.Snapshot()))
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			h.logger.Debug("conversation stream closed", zap.String("user_id", userID))
			return
		case rows := <-updates:
			c.SSEvent(StreamEventIndexChanged, toIndexRowPayloads(rows))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, time.Now().UTC().UnixMilli())
			c.Writer.Flush()
		}
	}
}
