package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pushWriteTimeout = 10 * time.Second
	pushPongTimeout  = 90 * time.Second
	pushPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSender pushes messages over one websocket connection. Writes are
// serialized because the delivery path and the ping loop share the socket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Push(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteTimeout))
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// handlePush upgrades the connection and switches the agent to push
// delivery. Queued backlog is flushed through the socket first, so ordering
// is preserved across the mode switch. When the connection dies the agent
// falls back to poll delivery.
func (gw *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	agent := gw.agents.Lookup(id)
	if agent == nil {
		writeError(w, ErrNotRegistered)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "agent", id, "err", err)
		return
	}
	sender := &wsSender{conn: conn}
	agent.attachPush(sender)
	slog.Info("push channel attached", "agent", id)

	_ = conn.SetReadDeadline(time.Now().Add(pushPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushPongTimeout))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pushPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sender.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// the read loop only exists to observe disconnects and pongs
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	agent.detachPush(sender)
	slog.Info("push channel detached", "agent", id)
}
