package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/bluesky-timeline/internal/window"
)

const (
	changeBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
}

type changeMessage struct {
	Kind       string `json:"kind"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Fields     uint8  `json:"fields,omitempty"`
	Generation string `json:"generation"`
}

// handleChanges streams window changes to a websocket client until either
// side closes the connection.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes, unsubscribe := s.feed.Subscribe(changeBuffer)
	defer unsubscribe()

	// The read side only handles control frames and notices the client
	// going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("change stream opened", "remote", r.RemoteAddr)
	defer s.logger.Info("change stream closed", "remote", r.RemoteAddr)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := conn.WriteJSON(toChangeMessage(c, s.feed.Generation())); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func toChangeMessage(c window.Change, generation string) changeMessage {
	return changeMessage{
		Kind:       c.Kind.String(),
		Start:      c.Start,
		End:        c.End,
		Fields:     uint8(c.Fields),
		Generation: generation,
	}
}
