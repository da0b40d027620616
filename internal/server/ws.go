package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snowcoder/snow/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
)

// handleWS mirrors the SSE stream over a websocket and accepts the same
// inbound messages as POST /message. Sessions bind through the HTTP
// endpoints using the connectionId from the connected event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := s.conns.add()
	s.metrics.ConnectionOpened()
	s.logger.Debug("websocket connection opened", "connection", conn.id)

	done := make(chan struct{})
	go s.wsWriteLoop(ws, conn, done)

	s.sendTo(conn, models.Event{Type: models.EventConnected, Data: connectedPayload{ConnectionID: conn.id}})

	s.wsReadLoop(ws, conn)

	close(done)
	s.conns.remove(conn.id)
	s.metrics.ConnectionClosed()
	_ = ws.Close()
	s.logger.Debug("websocket connection closed", "connection", conn.id)
}

func (s *Server) wsWriteLoop(ws *websocket.Conn, conn *connection, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-conn.events:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ws *websocket.Conn, conn *connection) {
	ws.SetReadLimit(maxInboundBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := parseInbound(data)
		if err != nil {
			s.sendTo(conn, models.Event{Type: models.EventError, Data: models.ErrorEvent{Message: err.Error()}})
			continue
		}
		s.metrics.RecordInbound(msg.Type)
		if status, body := s.routeInbound(msg); status >= http.StatusBadRequest {
			s.sendTo(conn, models.Event{Type: models.EventError, Data: models.ErrorEvent{Message: errorText(body)}})
		}
	}
}

func errorText(body any) string {
	if eb, ok := body.(errorBody); ok {
		return eb.Error
	}
	return "request failed"
}
