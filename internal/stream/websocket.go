package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/shipkit/shiplog/internal/model"
)

const wsWriteWait = 10 * time.Second

// WebSocketWriter sends records as JSON text frames. Only the publisher
// goroutine writes; control frames are safe alongside the reader.
type WebSocketWriter struct {
	conn *websocket.Conn
}

func NewWebSocketWriter(conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{conn: conn}
}

func (s *WebSocketWriter) Send(rec model.LogRecord) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(rec)
}

func (s *WebSocketWriter) Heartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
