package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vehicle-flow-monitor/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type streamMessage struct {
	Type     string                    `json:"type"`
	Snapshot *models.AggregateSnapshot `json:"snapshot"`
}

// handleStream pushes the current snapshot, then every newly published one,
// over a websocket. Slow clients skip intermediate snapshots.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.pub.Subscribe()
	defer cancel()

	// reads only serve to notice the client going away and to take pongs
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(snap *models.AggregateSnapshot) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(streamMessage{Type: "snapshot", Snapshot: snap})
	}

	if err := write(s.pub.Latest()); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := write(snap); err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
