// Package transport adapts the tutoring engine's per-learner Sessions onto
// websocket connections: one connect/message/disconnect loop per socket,
// grounded on internal/gateway's wsControlPlane/wsSession shape (upgrader,
// buffered outbound channel, separate read/write goroutines, frame
// envelope) but carrying the tutoring domain's connect/message/disconnect
// contract instead of the gateway's request/response RPC dispatch.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/tutor-core/internal/tutor/registry"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

const (
	maxPayloadBytes = 1 << 16
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 20 * time.Second

	// DefaultReconnectGrace is used when New is given a zero grace period.
	DefaultReconnectGrace = 30 * time.Second
)

// frame is the single envelope shape used for both directions of the wire
// protocol: inbound connect/message/disconnect requests and outbound
// system_message/state_change/error events.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectPayload struct {
	LearnerID string           `json:"learner_id"`
	Topic     tutortools.Topic `json:"topic"`
}

type messagePayload struct {
	Content string `json:"content"`
}

type connectedPayload struct {
	SessionID string `json:"session_id"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Server upgrades HTTP connections to websockets and bridges each one to a
// Session allocated from a registry.Registry. A learner whose socket drops
// keeps their Session alive, sink-less, for up to reconnectGrace: a second
// connect for the same learner within that window rebinds the existing
// Session instead of being rejected as a duplicate; after it elapses with no
// reconnect, the Session is torn down.
type Server struct {
	registry       *registry.Registry
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	reconnectGrace time.Duration

	mu              sync.Mutex
	activeConns     map[string]*conn_      // sessionID -> currently attached connection
	pendingTeardown map[string]*time.Timer // sessionID -> scheduled post-grace Stop
}

// New constructs a Server. logger may be nil. reconnectGrace <= 0 uses
// DefaultReconnectGrace.
func New(reg *registry.Registry, logger *slog.Logger, reconnectGrace time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectGrace <= 0 {
		reconnectGrace = DefaultReconnectGrace
	}
	return &Server{
		registry:        reg,
		logger:          logger.With("component", "tutor.transport"),
		reconnectGrace:  reconnectGrace,
		activeConns:     make(map[string]*conn_),
		pendingTeardown: make(map[string]*time.Timer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler, upgrading the request and running the
// connection's read/write loops until it closes.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn_{
		id:     uuid.NewString(),
		srv:    srv,
		conn:   conn,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
	}
	c.run()
}

// conn_ is one websocket connection, bridged to at most one Session for its
// lifetime. Named with a trailing underscore to avoid colliding with the
// gorilla package's own Conn type in call sites within this file.
type conn_ struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	sessionID string
	sess      *session.Session
	connected atomic.Bool
}

func (c *conn_) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn_) close() {
	c.cancel()
	if c.sess != nil {
		c.sess.SetSink(session.NopSink{})
		c.srv.detach(c.sessionID, c)
		c.srv.scheduleTeardown(c.sessionID)
	}
	close(c.send)
	_ = c.conn.Close()
}

// detach removes c from activeConns, but only if c is still the connection
// on record for sessionID — a reconnect may already have replaced it.
func (srv *Server) detach(sessionID string, c *conn_) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConns[sessionID] == c {
		delete(srv.activeConns, sessionID)
	}
}

// scheduleTeardown arms a timer that stops sessionID's Session after
// reconnectGrace unless cancelTeardown runs first (a reconnect arrived).
func (srv *Server) scheduleTeardown(sessionID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if t, ok := srv.pendingTeardown[sessionID]; ok {
		t.Stop()
	}
	srv.pendingTeardown[sessionID] = time.AfterFunc(srv.reconnectGrace, func() {
		srv.mu.Lock()
		delete(srv.pendingTeardown, sessionID)
		srv.mu.Unlock()
		if err := srv.registry.Stop(sessionID, true); err != nil {
			srv.logger.Debug("reconnect grace expired, session already gone", "session_id", sessionID, "error", err)
		}
	})
}

// cancelTeardown disarms a pending teardown for sessionID, called once a
// reconnect rebinds the session before its grace period elapses.
func (srv *Server) cancelTeardown(sessionID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if t, ok := srv.pendingTeardown[sessionID]; ok {
		t.Stop()
		delete(srv.pendingTeardown, sessionID)
	}
}

func (c *conn_) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("malformed frame: " + err.Error())
			continue
		}

		switch f.Type {
		case "connect":
			if err := c.handleConnect(f.Payload); err != nil {
				c.sendError(err.Error())
			}
		case "message":
			c.handleMessage(f.Payload)
		case "disconnect":
			return
		default:
			c.sendError(fmt.Sprintf("unknown frame type %q", f.Type))
		}
	}
}

func (c *conn_) handleConnect(raw json.RawMessage) error {
	if c.connected.Load() {
		return fmt.Errorf("already connected")
	}
	var p connectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid connect payload: %w", err)
	}
	if p.LearnerID == "" {
		return fmt.Errorf("learner_id is required")
	}

	sessionID, err := c.srv.registry.StartForLearner(c.ctx, p.LearnerID, p.Topic)
	if err != nil {
		if !errors.Is(err, registry.ErrAlreadyRunning) {
			return fmt.Errorf("start session: %w", err)
		}
		return c.reconnect(p.LearnerID)
	}
	sess, err := c.srv.registry.Lookup(sessionID)
	if err != nil {
		return fmt.Errorf("lookup new session: %w", err)
	}

	c.bind(sessionID, sess)
	return nil
}

// reconnect rebinds an existing, sink-less Session to c when a fresh
// StartForLearner was rejected as already-running: the learner's previous
// connection dropped and this is a retry within the reconnect grace window,
// not a genuine second concurrent connection. It is that only if no other
// conn_ currently holds the session's sink — otherwise it's a real conflict.
func (c *conn_) reconnect(learnerID string) error {
	sessionID, ok := c.srv.registry.LookupByLearner(learnerID)
	if !ok {
		return fmt.Errorf("learner %s already running but no session found", learnerID)
	}

	c.srv.mu.Lock()
	_, live := c.srv.activeConns[sessionID]
	c.srv.mu.Unlock()
	if live {
		return fmt.Errorf("learner %s already has an active connection", learnerID)
	}

	sess, err := c.srv.registry.Lookup(sessionID)
	if err != nil {
		return fmt.Errorf("reconnect lookup: %w", err)
	}
	c.srv.cancelTeardown(sessionID)
	c.bind(sessionID, sess)
	return nil
}

// bind attaches sess to c, both as the Session's sink and as the connection
// on record for sessionID, and notifies the client.
func (c *conn_) bind(sessionID string, sess *session.Session) {
	c.sessionID = sessionID
	c.sess = sess
	sess.SetSink(c)
	c.connected.Store(true)

	c.srv.mu.Lock()
	c.srv.activeConns[sessionID] = c
	c.srv.mu.Unlock()

	c.enqueueEvent("connected", connectedPayload{SessionID: sessionID})
}

func (c *conn_) handleMessage(raw json.RawMessage) {
	if !c.connected.Load() || c.sess == nil {
		c.sendError("connect before sending messages")
		return
	}
	var p messagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("invalid message payload: " + err.Error())
		return
	}
	if res := c.sess.HandleUserMessage(p.Content); res == session.RejectedTerminated {
		c.sendError("session has ended")
	}
}

// Emit implements session.Sink, translating an outbound event into a wire
// frame and handing it off to the write loop without blocking the Session's
// own inbox loop.
func (c *conn_) Emit(event session.OutboundEvent) {
	c.enqueueEvent(string(event.Kind), event)
}

func (c *conn_) enqueueEvent(kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.srv.logger.Error("marshal outbound frame", "kind", kind, "error", err)
		return
	}
	data, err := json.Marshal(frame{Type: kind, Payload: body})
	if err != nil {
		c.srv.logger.Error("marshal outbound envelope", "kind", kind, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.srv.logger.Warn("dropping outbound frame, send buffer full", "connection_id", c.id, "kind", kind)
	}
}

func (c *conn_) sendError(message string) {
	c.enqueueEvent("error", errorPayload{Message: message})
}

func (c *conn_) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ session.Sink = (*conn_)(nil)
var _ http.Handler = (*Server)(nil)
