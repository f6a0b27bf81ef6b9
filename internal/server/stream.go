package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteWait = 10 * time.Second

// healthStreamHandler pushes the health document on connect and after every poll.
func (s *Server) healthStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	feed, cancel := s.deps.Health.Subscribe()
	defer cancel()

	// Drain client frames so close and ping control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debug().Err(err).Msg("health stream write failed")
			return false
		}
		return true
	}

	if !send(HealthDocument(s.deps.Health.Snapshot())) {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			if !send(HealthDocument(snap)) {
				return
			}
		}
	}
}
