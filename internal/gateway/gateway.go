// Package gateway serves the WebSocket chat transport: one connection
// per client, scoped to a session, streaming agent turn events as JSON
// frames.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/bus"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/pkg/models"
)

const (
	chatPathPrefix = "/api/chat/"

	maxInboundBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
)

// TurnRunner executes one user turn against a session. Stream events
// reach the gateway through the bus, not the return value.
type TurnRunner interface {
	RunTurn(ctx context.Context, transport models.TransportTag, sessionID, userMessage string) (*agent.TurnResult, error)
}

// Server upgrades /api/chat/{session_id} requests and bridges the
// session's event stream onto the connection.
type Server struct {
	loop     TurnRunner
	bus      *bus.Bus
	mgr      *sessions.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the chat gateway over the turn runner and event bus.
func NewServer(loop TurnRunner, b *bus.Bus, mgr *sessions.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		loop:   loop,
		bus:    b,
		mgr:    mgr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, chatPathPrefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	s.serveConn(r.Context(), ws, sessionID)
}

// conn serializes writes from the reader loop, the event forwarder, and
// the keepalive ticker.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) writeFrame(frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(frame)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn, sessionID string) {
	c := &conn{ws: ws}
	defer ws.Close()

	if _, err := s.mgr.Get(ctx, sessionID); err != nil {
		c.writeFrame(errorFrame("Session not found"))
		return
	}

	sub := s.bus.Subscribe(sessionID)
	forwarderDone := make(chan struct{})
	go s.forward(c, sub, forwarderDone)
	defer func() {
		sub.Cancel()
		<-forwarderDone
	}()

	s.logger.Info("chat connected", "session_id", sessionID)
	defer s.logger.Info("chat disconnected", "session_id", sessionID)

	// connCtx dies with the read side of the connection, so a client
	// disconnect mid-turn aborts the turn and kills its subprocesses
	// instead of letting them run to completion unobserved.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.SetReadLimit(maxInboundBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader owns every read, including the pongs that arrive while
	// a turn is running. Messages hand off to the turn loop below; turns
	// stay strictly sequential per connection.
	inbound := make(chan string)
	go func() {
		defer cancel()
		defer close(inbound)
		for {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			var in inboundFrame
			if err := ws.ReadJSON(&in); err != nil {
				return
			}
			select {
			case inbound <- in.Message:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for raw := range inbound {
		message := strings.TrimSpace(raw)
		if message == "" {
			c.writeFrame(errorFrame("Empty message"))
			continue
		}

		if _, err := s.loop.RunTurn(connCtx, models.TransportWebSocket, sessionID, message); err != nil {
			// Failures inside the turn already produced a turn.error on
			// the bus; only pre-turn failures need a frame here.
			switch core.KindOf(err) {
			case core.KindSessionNotFound, core.KindSessionConflict, core.KindPersistence:
				c.writeFrame(errorFrame(err.Error()))
			}
			s.logger.Warn("turn failed",
				"session_id", sessionID, "kind", core.KindOf(err), "error", err)
		}
	}
}

// forward drains the subscription onto the connection and keeps the
// transport alive with pings. It owns the connection's lifetime on the
// bus side: when the subscription closes (slow consumer detach or
// session close), the connection goes down with it.
func (s *Server) forward(c *conn, sub *bus.Subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				c.ws.Close()
				return
			}
			frame, ok := frameFor(e)
			if !ok {
				continue
			}
			if err := c.writeFrame(frame); err != nil {
				c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}
