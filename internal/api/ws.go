package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/auth"
	"github.com/telemyapp/linkgate/internal/status"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	inst := instanceFromContext(r.Context())
	s.streamEvents(w, r, s.events.SubscribeInstance(inst.ID, wsBuffer), zap.String("instance_id", inst.ID))
}

func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return
	}
	s.streamEvents(w, r, s.events.SubscribeTenant(tenantID, wsBuffer), zap.String("tenant_id", tenantID))
}

// streamEvents writes every notification on sub to the upgraded connection
// until the peer goes away, the subscription closes or the server stops.
// The subscription exists before the handshake completes so nothing
// published after a successful dial is missed.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *status.Subscription, scope zap.Field) {
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("ws_upgrade_failed", scope, zap.Error(err))
		return
	}
	defer conn.Close()
	s.logger.Debug("ws_stream_opened", scope)

	// Clients only send control frames; reading keeps pongs flowing and
	// notices the peer closing.
	peerGone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("ws_write_failed", scope, zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peerGone:
			s.logger.Debug("ws_stream_closed", scope)
			return
		case <-s.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
