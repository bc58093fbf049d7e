package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat = 25 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and forwards sync events for the
// requested entity type, with periodic heartbeats.
func (h *httpHandler) handleStream(c *gin.Context) {
	filter := c.Query("entity_type")
	if filter != "" && filter != events.AllTypes {
		if _, err := entity.ParseType(filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, filter)
	defer cleanup()

	// The read side only detects the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	subject := c.GetString(subjectContextKey)
	h.logger.Debug("sync stream opened", zap.String("subject", subject), zap.String("entity_type", filter))

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Debug("sync stream closed by peer", zap.String("subject", subject))
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := h.writeEvent(conn, event); err != nil {
				h.logger.Info("sync stream write failed", zap.String("subject", subject), zap.Error(err))
				return
			}
		case now := <-ticker.C:
			if err := h.writeEvent(conn, events.Event{Type: events.EventHeartbeat, Timestamp: now.UTC()}); err != nil {
				h.logger.Info("sync stream heartbeat failed", zap.String("subject", subject), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) writeEvent(conn *websocket.Conn, event events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
