package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsHelloTimeout  = 10 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	wsMaxHelloBytes = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream only ever carries progress for the session ID the
	// client announces, so cross-origin reads leak nothing useful.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink adapts one websocket connection to the broadcaster. Writes are
// serialized: the hub and the keepalive loop both send.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSink) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSink) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsSink) Close() error {
	return w.conn.Close()
}

// handleWebsocket upgrades the connection and streams progress events.
// The client's first message announces its session:
//
//	{"session_id": "..."}
//
// Events for that session are then pushed until either side closes.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	conn.SetReadLimit(wsMaxHelloBytes)
	conn.SetReadDeadline(time.Now().Add(wsHelloTimeout))
	var hello struct {
		SessionID string `json:"session_id"`
	}
	_, msg, err := conn.ReadMessage()
	if err != nil || json.Unmarshal(msg, &hello) != nil || hello.SessionID == "" {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sink := &wsSink{conn: conn}
	first := s.hub.Attach(hello.SessionID, sink)
	if first {
		// A fresh session is the natural point to pick up album changes
		// made on the backend since the last visitor.
		s.albums.Reset()
	}
	s.log.Debug().Str("session", hello.SessionID).Bool("first", first).Msg("websocket attached")

	defer func() {
		s.hub.Detach(hello.SessionID, sink)
		conn.Close()
	}()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if sink.Ping() != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	defer close(stop)

	// Drain the connection; clients only talk during the hello, so the
	// read loop exists to observe the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
