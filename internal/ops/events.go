package ops

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"warden/internal/bus"
)

const (
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
	// eventBuffer bounds the per-client view of the bus; the bus drops
	// events for slow subscribers rather than blocking publishers.
	eventBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS middleware already vetted the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades to websocket and tails the event bus until the
// client disconnects or the server shuts down.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.opts.Bus.Subscribe(eventBuffer)
	defer sub.Close()

	// Reader goroutine: the tail is write-only, but we must consume
	// control frames to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev bus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteJSON(ev)
}
