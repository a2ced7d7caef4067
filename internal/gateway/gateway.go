// Package gateway terminates dashboard WebSocket connections and bridges
// them onto the bus. Each connection gets its own session id; the browser
// never talks to the orchestrator directly.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/omlabs/om-core/internal/bus"
	"github.com/omlabs/om-core/internal/protocol"
	"github.com/omlabs/om-core/internal/script"
)

// Publisher is the slice of the bus the gateway needs for outbound traffic.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ClientMessage is the envelope sent to the browser. Type mirrors the bus
// subject family; Data carries the emission verbatim.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message types pushed to the browser.
const (
	MessageSession     = "session"
	MessagePhase       = "phase"
	MessageCompleted   = "completed"
	MessageReply       = "reply"
	MessageCertificate = "certificate"
	MessageError       = "error"
)

// SessionHello is the first message on every connection: the assigned session
// id plus the guide catalog the dashboard renders its picker from.
type SessionHello struct {
	SessionID string         `json:"session_id"`
	Guides    []script.Guide `json:"guides"`
}

// InboundMessage is what the browser sends: a UI event minus the session id,
// which the gateway stamps on before publishing.
type InboundMessage struct {
	Type     string             `json:"type"`
	Identity *protocol.Identity `json:"identity,omitempty"`
	Text     string             `json:"text,omitempty"`
}

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	outboundDepth = 32
)

type connection struct {
	sessionID string
	ws        *websocket.Conn
	outbound  chan ClientMessage
}

// Gateway upgrades dashboard connections and routes orchestrator emissions
// back to the connection that owns each session.
type Gateway struct {
	publisher Publisher
	client    *bus.Client
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*connection

	subs []*nats.Subscription
}

func New(parent context.Context, client *bus.Client, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		publisher: client.Conn(),
		client:    client,
		logger:    logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from the same origin in deployment;
			// local development uses arbitrary ports.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}
}

// Start subscribes to orchestrator emissions and begins routing them to
// connected dashboards.
func (g *Gateway) Start() error {
	routes := []struct {
		subject string
		kind    string
	}{
		{protocol.SubjectSessionPhase, MessagePhase},
		{protocol.SubjectSessionCompleted, MessageCompleted},
		{protocol.SubjectSessionReply, MessageReply},
		{protocol.SubjectSessionCertificate, MessageCertificate},
		{protocol.SubjectSessionError, MessageError},
	}
	for _, route := range routes {
		kind := route.kind
		sub, err := g.client.Conn().Subscribe(route.subject, func(msg *nats.Msg) {
			g.route(kind, msg.Data)
		})
		if err != nil {
			g.Stop()
			return err
		}
		g.subs = append(g.subs, sub)
	}
	return nil
}

// Stop closes every dashboard connection and drains subscriptions.
func (g *Gateway) Stop() {
	g.cancel()
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
	g.mu.Lock()
	for id, conn := range g.conns {
		conn.ws.Close()
		delete(g.conns, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// RegisterRoutes mounts the WebSocket endpoint.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWS)
}

// route finds the connection owning the emission's session and enqueues it.
// Emissions for sessions with no live connection are dropped.
func (g *Gateway) route(kind string, data []byte) {
	var envelope struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.SessionID == "" {
		return
	}
	g.mu.Lock()
	conn, ok := g.conns[envelope.SessionID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.outbound <- ClientMessage{Type: kind, Data: data}:
	default:
		g.logger.Warn("outbound queue full, dropping message",
			slog.String("session_id", envelope.SessionID),
			slog.String("type", kind))
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := &connection{
		sessionID: uuid.NewString(),
		ws:        ws,
		outbound:  make(chan ClientMessage, outboundDepth),
	}
	g.mu.Lock()
	g.conns[conn.sessionID] = conn
	g.mu.Unlock()

	g.logger.Info("dashboard connected", slog.String("session_id", conn.sessionID))

	hello, _ := json.Marshal(SessionHello{SessionID: conn.sessionID, Guides: script.Guides()})
	conn.outbound <- ClientMessage{Type: MessageSession, Data: hello}

	g.wg.Add(2)
	go g.writeLoop(conn)
	go g.readLoop(conn)
}

func (g *Gateway) writeLoop(conn *connection) {
	defer g.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-conn.outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gateway) readLoop(conn *connection) {
	defer g.wg.Done()
	defer g.closeConnection(conn)

	conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed",
					slog.String("session_id", conn.sessionID),
					slog.String("error", err.Error()))
			}
			return
		}
		if err := g.forward(conn.sessionID, data); err != nil {
			g.logger.Warn("dropping malformed dashboard message",
				slog.String("session_id", conn.sessionID),
				slog.String("error", err.Error()))
		}
	}
}

// forward stamps the session id onto a dashboard message and publishes it for
// the orchestrator.
func (g *Gateway) forward(sessionID string, data []byte) error {
	var inbound InboundMessage
	if err := json.Unmarshal(data, &inbound); err != nil {
		return err
	}
	evt := protocol.UIEvent{
		SessionID: sessionID,
		Type:      inbound.Type,
		Identity:  inbound.Identity,
		Text:      inbound.Text,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return g.publisher.Publish(protocol.UIEventSubject(sessionID), payload)
}

// closeConnection tears down a finished connection and tells the
// orchestrator the session is gone.
func (g *Gateway) closeConnection(conn *connection) {
	conn.ws.Close()
	g.mu.Lock()
	delete(g.conns, conn.sessionID)
	g.mu.Unlock()

	notice, _ := json.Marshal(protocol.SessionClosed{
		SessionID: conn.sessionID,
		Timestamp: time.Now().UTC(),
	})
	if err := g.publisher.Publish(protocol.SubjectUIClosed, notice); err != nil {
		g.logger.Warn("failed to publish close notice",
			slog.String("session_id", conn.sessionID),
			slog.String("error", err.Error()))
	}
	g.logger.Info("dashboard disconnected", slog.String("session_id", conn.sessionID))
}
