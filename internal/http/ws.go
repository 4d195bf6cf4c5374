package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleWS upgrades an authenticated client and registers it for in-app
// notifications. Browsers cannot set headers on websocket requests, so the
// token may also come from the access_token query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("access_token")
	}
	userID, err := s.parseToken(raw)
	if raw == "" || err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "unauthorized", Message: "invalid token"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	s.WS.Add(userID, conn)
	s.logger.Info("ws connected", zap.String("user_id", userID))

	done := make(chan struct{})
	go s.keepAlive(conn, done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	s.WS.Remove(userID, conn)
	_ = conn.Close()
	s.logger.Info("ws disconnected", zap.String("user_id", userID))
}

func (s *Server) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(wsPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
