package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// eventBuffer sizes each websocket subscriber's bus channel. The bus
// drops events for full subscribers rather than blocking publishers,
// so a stalled client misses events instead of stalling the layer.
const eventBuffer = 64

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents upgrades the connection to a websocket and streams bus
// events as JSON objects until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// The read pump services control frames and detects the client
	// closing; we never expect data frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-closed:
			s.logger.Debug("event stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
