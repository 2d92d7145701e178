package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tfswheels/foreman/job"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	done chan struct{}
}

// wsEvent is one frame on the job feed.
type wsEvent struct {
	Type string   `json:"type"`
	Job  *job.Job `json:"job"`
}

// HandleJobFeed upgrades to a websocket and streams every job state change
// to the client. The back-office frontend uses this to refresh job lists
// without polling.
func (s *Server) HandleJobFeed(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &wsClient{conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	s.wsClients[client] = true
	s.mu.Unlock()

	s.logger.Debugw("Job feed client connected", "remote", r.RemoteAddr)

	updates := s.store.Subscribe()
	defer func() {
		s.store.Unsubscribe(updates)
		s.mu.Lock()
		delete(s.wsClients, client)
		s.mu.Unlock()
		conn.Close()
		s.logger.Debugw("Job feed client disconnected", "remote", r.RemoteAddr)
	}()

	// Read pump: drain control frames and detect the client going away.
	go func() {
		defer close(client.done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-client.done:
			return
		case j := <-updates:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsEvent{Type: "job_update", Job: j}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeJobFeeds closes all connected feed clients during shutdown.
func (s *Server) closeJobFeeds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.wsClients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.conn.Close()
	}
}
