package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/notify"
)

type wsConfig struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

func defaultWSConfig() wsConfig {
	pongWait := 60 * time.Second
	return wsConfig{
		writeWait:      10 * time.Second,
		pongWait:       pongWait,
		pingPeriod:     pongWait * 9 / 10,
		maxMessageSize: 4096,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect from the UI origin; access is gated by the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamWorkflow upgrades to a WebSocket and streams init and update
// snapshots of one workflow. The token and ownership are checked after the
// upgrade so a refusal can be reported as a policy violation close frame.
// (GET /ws/workflows/:id?auth_token=...)
func (s *Server) StreamWorkflow(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	workflowID := c.Param("id")

	userID, err := s.auth.Authenticate(ctx, auth.TokenFromRequest(c.Request()))
	if err == nil {
		err = s.workflows.Authorize(ctx, workflowID, userID)
	}
	if err != nil {
		s.logger.Info("websocket refused", "workflow_id", workflowID, "error", err)
		s.closeWith(conn, websocket.ClosePolicyViolation, http.StatusText(statusFor(err)))
		return nil
	}

	sub, err := s.notifier.Subscribe(ctx, workflowID)
	if err != nil {
		s.logger.Error("subscribe failed", "workflow_id", workflowID, "error", err)
		s.closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return nil
	}
	defer s.notifier.Unsubscribe(sub)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, sub, done)
	return nil
}

// readPump discards inbound frames and keeps the read deadline fresh. It
// closes done when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(s.ws.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.ws.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.ws.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *notify.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(s.ws.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				// Dropped by the notifier or shutting down.
				s.closeWith(conn, websocket.CloseGoingAway, "subscription ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.ws.writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("websocket write failed", "workflow_id", sub.WorkflowID(), "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ws.writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.ws.writeWait))
}
