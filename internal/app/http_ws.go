package app

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/api/internal/hub"
)

// Socket message types. Server pushes from the engine use the collab
// message names.
const (
	socketSnapshot = "snapshot"
	socketAck      = "ack"
	socketError    = "error"
	socketCursor   = "cursor"
	socketSubmit   = "submit"
	socketPing     = "ping"
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

// handleWebSocket joins the caller to the session before upgrading, so a
// missing or closed session is reported as a plain HTTP error. The caller
// leaves the session when its last socket in the room goes away.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	engine := s.service.engine
	if _, err := engine.Join(r.Context(), sessionID, userID); err != nil {
		s.respondError(w, r, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		if !slices.Contains(s.service.hub.Members(sessionID), userID) {
			s.leave(r.Context(), sessionID, userID)
		}
		return
	}

	client := hub.NewClient(conn, s.service.hub, sessionID, userID)
	client.OnPong(func() { s.heartbeat(r.Context(), sessionID, userID) })
	s.service.hub.Register(client)
	go client.WritePump()

	if state, err := s.service.SessionState(r.Context(), sessionID); err == nil {
		client.Send(hub.Envelope{Type: socketSnapshot, SessionID: sessionID, Payload: state})
	}

	client.ReadPump(r.Context(), s.handleSocketMessage)

	if s.service.hub.Unregister(client) == 0 {
		s.leave(r.Context(), sessionID, userID)
	}
}

func (s *HTTPServer) heartbeat(ctx context.Context, sessionID, userID string) {
	if err := s.service.engine.Heartbeat(ctx, sessionID, userID); err != nil {
		s.log.Debug("presence heartbeat failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *HTTPServer) leave(ctx context.Context, sessionID, userID string) {
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.service.engine.Leave(leaveCtx, sessionID, userID); err != nil {
		s.log.Debug("leave after disconnect failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *HTTPServer) handleSocketMessage(ctx context.Context, c *hub.Client, msg hub.Inbound) {
	switch msg.Type {
	case socketPing:
		if err := s.service.engine.Heartbeat(ctx, c.SessionID(), c.UserID()); err != nil {
			s.sendSocketError(c, msg.RequestID, err)
			return
		}
		c.Send(hub.Envelope{Type: socketAck, SessionID: c.SessionID(), RequestID: msg.RequestID})

	case socketCursor:
		var body struct {
			Position *int `json:"position"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil || body.Position == nil {
			s.sendSocketError(c, msg.RequestID, domainError(http.StatusBadRequest, "INVALID_BODY", "cursor payload requires position", nil))
			return
		}
		participant, err := s.service.engine.UpdateCursor(ctx, c.SessionID(), c.UserID(), *body.Position)
		if err != nil {
			s.sendSocketError(c, msg.RequestID, err)
			return
		}
		c.Send(hub.Envelope{Type: socketAck, SessionID: c.SessionID(), RequestID: msg.RequestID, Payload: map[string]any{"participant": participant}})

	case socketSubmit:
		var body SubmitOperationsInput
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			s.sendSocketError(c, msg.RequestID, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid submit payload", nil))
			return
		}
		result, err := s.service.SubmitOperations(ctx, c.SessionID(), c.UserID(), body)
		if err != nil {
			s.sendSocketError(c, msg.RequestID, err)
			return
		}
		c.Send(hub.Envelope{Type: socketAck, SessionID: c.SessionID(), RequestID: msg.RequestID, Payload: submitView(result)})

	default:
		s.sendSocketError(c, msg.RequestID, domainError(http.StatusBadRequest, "UNKNOWN_MESSAGE", "unknown message type "+msg.Type, nil))
	}
}

func (s *HTTPServer) sendSocketError(c *hub.Client, requestID string, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("socket message failed",
			zap.String("session_id", c.SessionID()),
			zap.String("user_id", c.UserID()),
			zap.Error(err),
		)
	}
	payload := map[string]any{"code": code, "error": message}
	if details != nil {
		payload["details"] = details
	}
	c.Send(hub.Envelope{Type: socketError, SessionID: c.SessionID(), RequestID: requestID, Payload: payload})
}
