package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omlabs/om-core/internal/protocol"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	signal   chan struct{}
}

type publishedMessage struct {
	subject string
	data    []byte
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{signal: make(chan struct{}, 32)}
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	p.messages = append(p.messages, publishedMessage{subject: subject, data: data})
	p.mu.Unlock()
	p.signal <- struct{}{}
	return nil
}

func (p *capturePublisher) wait(t *testing.T) publishedMessage {
	t.Helper()
	select {
	case <-p.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

func newTestGateway(t *testing.T) (*Gateway, *capturePublisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pub := newCapturePublisher()
	g := &Gateway{
		publisher: pub,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*connection),
	}
	return g, pub
}

func TestForwardStampsSessionID(t *testing.T) {
	g, pub := newTestGateway(t)

	inbound := `{"type":"start","identity":{"name":"Ada","guide":"mira"}}`
	if err := g.forward("abc", []byte(inbound)); err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	msg := pub.wait(t)
	if msg.subject != "om.ui.event.abc" {
		t.Fatalf("published on wrong subject: %s", msg.subject)
	}
	var evt protocol.UIEvent
	if err := json.Unmarshal(msg.data, &evt); err != nil {
		t.Fatalf("published payload not a ui event: %v", err)
	}
	if evt.SessionID != "abc" || evt.Type != protocol.EventStart {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Identity == nil || evt.Identity.Name != "Ada" {
		t.Fatalf("identity lost in transit: %+v", evt.Identity)
	}
}

func TestForwardRejectsMalformedJSON(t *testing.T) {
	g, _ := newTestGateway(t)
	if err := g.forward("abc", []byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRouteDeliversToOwningConnection(t *testing.T) {
	g, _ := newTestGateway(t)

	conn := &connection{sessionID: "abc", outbound: make(chan ClientMessage, 4)}
	g.conns["abc"] = conn

	payload := []byte(`{"session_id":"abc","phase_index":1}`)
	g.route(MessagePhase, payload)

	select {
	case msg := <-conn.outbound:
		if msg.Type != MessagePhase {
			t.Fatalf("wrong message type: %s", msg.Type)
		}
		if string(msg.Data) != string(payload) {
			t.Fatal("emission body must be forwarded verbatim")
		}
	default:
		t.Fatal("message not routed to owning connection")
	}

	// Traffic for unknown sessions is silently dropped.
	g.route(MessagePhase, []byte(`{"session_id":"nobody"}`))
}

func TestConnectionHandshakeAndClose(t *testing.T) {
	g, pub := newTestGateway(t)

	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("missing hello message: %v", err)
	}
	var envelope ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type != MessageSession {
		t.Fatalf("first message must be the session hello, got %s", data)
	}
	var hello SessionHello
	if err := json.Unmarshal(envelope.Data, &hello); err != nil {
		t.Fatalf("bad hello payload: %v", err)
	}
	if hello.SessionID == "" {
		t.Fatal("hello missing session id")
	}
	if len(hello.Guides) < 2 {
		t.Fatalf("hello missing guide catalog: %+v", hello.Guides)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"advance"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := pub.wait(t)
	if msg.subject != protocol.UIEventSubject(hello.SessionID) {
		t.Fatalf("event published on wrong subject: %s", msg.subject)
	}

	ws.Close()
	closed := pub.wait(t)
	if closed.subject != protocol.SubjectUIClosed {
		t.Fatalf("expected close notice, got %s", closed.subject)
	}
	var notice protocol.SessionClosed
	if err := json.Unmarshal(closed.data, &notice); err != nil || notice.SessionID != hello.SessionID {
		t.Fatalf("close notice for wrong session: %s", closed.data)
	}
}
