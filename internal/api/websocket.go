package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wtthornton/tappsha-core/internal/auth"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/config"
	"github.com/wtthornton/tappsha-core/internal/realtime"
	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// wsCommandTimeout bounds state-changing commands issued over a
// WebSocket message, which carries no request context of its own.
const wsCommandTimeout = 10 * time.Second

// WebSocket message types.
const (
	WSTypeAuth              = "auth"
	WSTypeSubscribe         = "subscribe"
	WSTypeUnsubscribe       = "unsubscribe"
	WSTypeApproveSuggestion = "approve_suggestion"
	WSTypeRejectSuggestion  = "reject_suggestion"
	WSTypePing              = "ping"
	WSTypePong              = "pong"
	WSTypeWelcome           = "welcome"
	WSTypeResponse          = "response"
	WSTypeError             = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a control message sent to/from a WebSocket client.
// Governance notifications bypass this envelope: the dispatcher's
// pre-serialised payload goes to the socket as-is.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
// Scope narrows the subscription to one resource id; empty or "all"
// subscribes across every resource.
type WSSubscribePayload struct {
	EventTypes []string `json:"event_types"`
	Scope      string   `json:"scope,omitempty"`
}

// WSAuthPayload is the payload for auth messages.
type WSAuthPayload struct {
	Token string `json:"token"`
}

// WSSuggestionPayload is the payload for suggestion decision messages.
type WSSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// wsConn is one WebSocket connection. It implements realtime.Sink so
// the broker can deliver to it, and pumps control messages in both
// directions.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	session *realtime.Session
	send    chan []byte
	closed  sync.Once
}

// TrySend queues data for the write pump without blocking. A full
// buffer reports false, which the broker treats as a dead session.
func (c *wsConn) TrySend(data []byte) bool {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel during teardown
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel so the write pump exits. Safe to call
// more than once; the registry and the read pump race on teardown.
func (c *wsConn) Close() {
	c.closed.Do(func() { close(c.send) })
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
//
// Clients may present a single-use ticket query parameter (obtained from
// POST /auth/ws-ticket) to start the session authenticated. Without a
// ticket the session starts unauthenticated and must send an auth
// message with a valid access token before the broker accepts anything
// beyond auth and ping.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var entry ticketEntry
	var authed bool
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		entry, authed = s.validateTicket(ticket)
		if !authed {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.RemoteAddr
	}

	client := &wsConn{
		server: s,
		send:   make(chan []byte, wsSendBufferSize),
	}

	session, err := s.registry.Register(origin, client)
	if err != nil {
		if errors.Is(err, realtime.ErrTooManyConnections) {
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many connections from this origin")
			return
		}
		s.logger.Error("session registration failed", "error", err)
		writeInternalError(w, "failed to register session")
		return
	}
	if authed {
		session.Authenticate(entry.userID, entry.role)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		s.registry.Remove(session.ID)
		return
	}

	client.conn = conn
	client.session = session

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)

	client.sendResponse("", WSTypeWelcome, map[string]any{
		"session_id":    session.ID,
		"authenticated": session.IsAuthenticated(),
	})
}

// readPump reads control messages from the WebSocket connection.
func (c *wsConn) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.server.registry.Remove(c.session.ID)
		if c.server.limiter != nil {
			c.server.limiter.Forget(c.session.ID)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.session.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "session_id", c.session.ID, "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "session_id", c.session.ID, "error", err)
			}
			return
		}

		// Any client message counts as liveness and resets the read
		// deadline (keeps the connection alive even if the browser
		// doesn't respond to protocol-level pings).
		c.session.Touch()
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		// Over-budget messages are dropped, not fatal: the client is
		// told and the connection stays up.
		if c.server.limiter != nil && !c.server.limiter.Allow(c.session.ID) {
			c.sendError("", ErrCodeRateLimited, "message rate limit exceeded")
			continue
		}

		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsConn) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Registry closed the sink
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket control message.
func (c *wsConn) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", ErrCodeBadRequest, "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeAuth:
		c.handleAuth(msg)
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypeApproveSuggestion, WSTypeRejectSuggestion:
		c.handleSuggestionDecision(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, ErrCodeBadRequest, "unknown message type: "+msg.Type)
	}
}

// handleAuth authenticates the session with a JWT access token.
func (c *wsConn) handleAuth(msg WSMessage) {
	var payload WSAuthPayload
	if !c.decodePayload(msg, &payload) {
		return
	}
	if payload.Token == "" {
		c.sendError(msg.ID, ErrCodeBadRequest, "token is required")
		return
	}

	claims, err := auth.ParseToken(payload.Token, c.server.secCfg.JWT.Secret)
	if err != nil {
		c.sendError(msg.ID, ErrCodeUnauthorized, "invalid token")
		return
	}

	c.session.Authenticate(claims.Subject, claims.Role)
	c.server.logger.Info("websocket session authenticated",
		"session_id", c.session.ID, "user_id", claims.Subject)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"authenticated": true,
	})
}

// handleSuggestionDecision accepts or dismisses an optimization
// suggestion on behalf of the authenticated user.
func (c *wsConn) handleSuggestionDecision(msg WSMessage) {
	if !c.session.IsAuthenticated() {
		c.sendError(msg.ID, ErrCodeUnauthorized, "authentication required")
		return
	}
	if c.server.suggestions == nil {
		c.sendError(msg.ID, ErrCodeInternal, "suggestions unavailable")
		return
	}

	var payload WSSuggestionPayload
	if !c.decodePayload(msg, &payload) {
		return
	}
	if payload.SuggestionID == "" {
		c.sendError(msg.ID, ErrCodeBadRequest, "suggestion_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCommandTimeout)
	defer cancel()

	var sg *suggestion.OptimizationSuggestion
	var err error
	if msg.Type == WSTypeApproveSuggestion {
		sg, err = c.server.suggestions.Accept(ctx, payload.SuggestionID, c.session.UserID())
	} else {
		sg, err = c.server.suggestions.Dismiss(ctx, payload.SuggestionID, c.session.UserID())
	}
	if err != nil {
		switch {
		case errors.Is(err, suggestion.ErrNotFound):
			c.sendError(msg.ID, ErrCodeNotFound, "suggestion not found")
		case errors.Is(err, suggestion.ErrDecided):
			c.sendError(msg.ID, ErrCodeConflict, "suggestion already decided")
		default:
			c.server.logger.Error("websocket suggestion decision failed",
				"suggestion_id", payload.SuggestionID, "error", err)
			c.sendError(msg.ID, ErrCodeInternal, "decision failed")
		}
		return
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"suggestion_id": sg.ID,
		"status":        sg.Status,
	})
}

// handleSubscribe adds event types (within the requested scope) to the
// session's subscriptions. Event types are validated up front so the
// request applies all-or-nothing.
func (c *wsConn) handleSubscribe(msg WSMessage) {
	sub, ok := c.parseSubscribePayload(msg)
	if !ok {
		return
	}

	for _, et := range sub.EventTypes {
		if !realtime.IsValidEventType(et) {
			c.sendError(msg.ID, ErrCodeValidation, realtime.ErrUnknownEventType(et).Error())
			return
		}
	}

	for _, et := range sub.EventTypes {
		if err := c.server.broker.Subscribe(c.session, et, sub.Scope); err != nil {
			if errors.Is(err, realtime.ErrNotAuthenticated) {
				c.sendError(msg.ID, ErrCodeUnauthorized, "authentication required before subscribing")
			} else {
				c.sendError(msg.ID, ErrCodeInternal, "subscribe failed")
			}
			return
		}
	}

	c.server.logger.Info("websocket client subscribed",
		"session_id", c.session.ID, "event_types", sub.EventTypes, "scope", sub.Scope)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": sub.EventTypes,
		"scope":      sub.Scope,
	})
}

// handleUnsubscribe removes event types (within the requested scope)
// from the session's subscriptions.
func (c *wsConn) handleUnsubscribe(msg WSMessage) {
	sub, ok := c.parseSubscribePayload(msg)
	if !ok {
		return
	}

	for _, et := range sub.EventTypes {
		c.server.broker.Unsubscribe(c.session, et, sub.Scope)
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.EventTypes,
		"scope":        sub.Scope,
	})
}

func (c *wsConn) parseSubscribePayload(msg WSMessage) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	if !c.decodePayload(msg, &sub) {
		return WSSubscribePayload{}, false
	}
	if len(sub.EventTypes) == 0 {
		c.sendError(msg.ID, ErrCodeBadRequest, "event_types is required")
		return WSSubscribePayload{}, false
	}
	if sub.Scope == "" {
		sub.Scope = realtime.ScopeAll
	}
	return sub, true
}

// decodePayload re-marshals the loosely typed payload into a concrete
// message struct, reporting a typed error to the client on failure.
func (c *wsConn) decodePayload(msg WSMessage, out any) bool {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid payload")
		return false
	}
	if err := json.Unmarshal(payloadBytes, out); err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid payload")
		return false
	}
	return true
}

// sendResponse sends a control response to the client.
// Routes through TrySend to safely handle closed channels during shutdown.
func (c *wsConn) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.TrySend(data)
}

// sendError sends an error message to the client.
func (c *wsConn) sendError(id, code, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{
		"code":    code,
		"message": message,
	})
}
