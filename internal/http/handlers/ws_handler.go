// WebSocket handlers.
//
// Two stream endpoints bridge the in-process fan-out hub to browser clients:
//   - GET /conversations/{id}/ws  (events for one conversation, visitor widget)
//   - GET /widgets/{id}/ws        (tenant-wide inbox feed, agent dashboard)
//
// Delivery is best-effort: a client whose socket cannot keep up loses events
// and is expected to resynchronize through the message-history endpoint.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkoutas/go-livechat-backend/internal/http/middleware"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
)

const (
	wsReadLimit     = 4096
	wsPongWait      = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsWriteDeadline = 5 * time.Second
)

// WSHandler streams hub events to WebSocket clients.
type WSHandler struct {
	hub      *pubsub.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler returns a stream handler bound to the fan-out hub. Origin
// checks are delegated to the CORS layer upstream.
func NewWSHandler(hub *pubsub.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ConversationStream subscribes the client to one conversation's events.
func (h *WSHandler) ConversationStream(c *gin.Context) {
	h.stream(c, pubsub.ConversationTopic(c.Param("id")))
}

// WidgetStream subscribes the client to a widget's tenant-wide inbox feed.
func (h *WSHandler) WidgetStream(c *gin.Context) {
	h.stream(c, pubsub.WidgetTopic(c.Param("widget_id")))
}

func (h *WSHandler) stream(c *gin.Context, topic string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		middleware.LoggerFrom(c).Warn().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(topic)
	defer sub.Cancel()

	// Reader goroutine drains client frames and refreshes the read deadline
	// on pongs; closing done ends the write loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-sub.C:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
